package views

import (
	"strconv"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/GrainArc/SouceGate/services"
	"github.com/gin-gonic/gin"
)

// 场景编辑接口，所有请求需要 X-User

type SceneHandler struct {
	scenes *services.SceneService
}

func NewSceneHandler(scenes *services.SceneService) *SceneHandler {
	return &SceneHandler{scenes: scenes}
}

func (h *SceneHandler) CreateScene(c *gin.Context) {
	user, err := owner(c)
	if err != nil {
		fail(c, err)
		return
	}
	var in services.SceneInput
	if err := bindJSON(c, &in); err != nil {
		fail(c, err)
		return
	}
	scene, err := h.scenes.CreateScene(c.Request.Context(), user, in)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, scene)
}

func (h *SceneHandler) ListScenes(c *gin.Context) {
	user, err := owner(c)
	if err != nil {
		fail(c, err)
		return
	}
	includePublic := c.Query("public") == "true"
	scenes, err := h.scenes.ListScenes(c.Request.Context(), user, includePublic)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, scenes)
}

// GetScene 返回场景及其按 layer_order 排序的图层
func (h *SceneHandler) GetScene(c *gin.Context) {
	user, id, ok := h.sceneRequest(c)
	if !ok {
		return
	}
	scene, err := h.scenes.GetScene(c.Request.Context(), user, id)
	if err != nil {
		fail(c, err)
		return
	}
	layers, err := h.scenes.ListLayers(c.Request.Context(), user, id)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"scene": scene, "layers": layers})
}

func (h *SceneHandler) UpdateScene(c *gin.Context) {
	user, id, ok := h.sceneRequest(c)
	if !ok {
		return
	}
	var updates map[string]any
	if err := bindJSON(c, &updates); err != nil {
		fail(c, err)
		return
	}
	scene, err := h.scenes.UpdateScene(c.Request.Context(), user, id, updates)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, scene)
}

func (h *SceneHandler) DeleteScene(c *gin.Context) {
	user, id, ok := h.sceneRequest(c)
	if !ok {
		return
	}
	if err := h.scenes.DeleteScene(c.Request.Context(), user, id); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"id": id})
}

func (h *SceneHandler) AddLayer(c *gin.Context) {
	user, id, ok := h.sceneRequest(c)
	if !ok {
		return
	}
	var in services.AddLayerInput
	if err := bindJSON(c, &in); err != nil {
		fail(c, err)
		return
	}
	sl, err := h.scenes.AddLayer(c.Request.Context(), user, id, in)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, sl)
}

func (h *SceneHandler) UpdateLayer(c *gin.Context) {
	user, err := owner(c)
	if err != nil {
		fail(c, err)
		return
	}
	layerID, err := paramID(c, "layer_id")
	if err != nil {
		fail(c, err)
		return
	}
	var updates map[string]any
	if err := bindJSON(c, &updates); err != nil {
		fail(c, err)
		return
	}
	sl, err := h.scenes.UpdateSceneLayer(c.Request.Context(), user, layerID, updates)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, sl)
}

func (h *SceneHandler) RemoveLayer(c *gin.Context) {
	user, err := owner(c)
	if err != nil {
		fail(c, err)
		return
	}
	layerID, err := paramID(c, "layer_id")
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.scenes.RemoveLayer(c.Request.Context(), user, layerID); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"id": layerID})
}

// Reorder 请求体为 {"<scene_layer_id>": order, ...}
func (h *SceneHandler) Reorder(c *gin.Context) {
	user, id, ok := h.sceneRequest(c)
	if !ok {
		return
	}
	var body map[string]int
	if err := bindJSON(c, &body); err != nil {
		fail(c, err)
		return
	}
	order := make(map[int64]int, len(body))
	for k, v := range body {
		layerID, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			fail(c, apperr.ErrValidation.Msgf("invalid scene layer id %q", k))
			return
		}
		order[layerID] = v
	}
	layers, err := h.scenes.Reorder(c.Request.Context(), user, id, order)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, layers)
}

func (h *SceneHandler) sceneRequest(c *gin.Context) (string, int64, bool) {
	user, err := owner(c)
	if err != nil {
		fail(c, err)
		return "", 0, false
	}
	id, err := paramID(c, "id")
	if err != nil {
		fail(c, err)
		return "", 0, false
	}
	return user, id, true
}
