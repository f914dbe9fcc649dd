package views

import (
	"context"

	"github.com/GrainArc/SouceGate/services"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Publisher 发布编排，由 services.PublishService 实现
type Publisher interface {
	PublishToTileServer(ctx context.Context, fileID int64, owner string) (*services.TileServiceResult, error)
	UnpublishTileService(ctx context.Context, serviceID int64) error
	PublishToGeoServer(ctx context.Context, fileID int64, owner string) (*services.LayerResult, error)
	UnpublishFromGeoServer(ctx context.Context, layerID int64) error
	SweepOrphanTables(ctx context.Context) ([]string, error)
}

type PublishHandler struct {
	publisher Publisher
}

func NewPublishHandler(publisher Publisher) *PublishHandler {
	return &PublishHandler{publisher: publisher}
}

// PublishMartin POST /publish/martin/:file_id
func (h *PublishHandler) PublishMartin(c *gin.Context) {
	fileID, err := paramID(c, "file_id")
	if err != nil {
		fail(c, err)
		return
	}
	user, err := owner(c)
	if err != nil {
		fail(c, err)
		return
	}
	res, err := h.publisher.PublishToTileServer(c.Request.Context(), fileID, user)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, res)
}

// UnpublishMartin DELETE /publish/martin/:id
func (h *PublishHandler) UnpublishMartin(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.publisher.UnpublishTileService(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"id": id})
}

// PublishGeoServer POST /publish/geoserver/:file_id
func (h *PublishHandler) PublishGeoServer(c *gin.Context) {
	fileID, err := paramID(c, "file_id")
	if err != nil {
		fail(c, err)
		return
	}
	user, err := owner(c)
	if err != nil {
		fail(c, err)
		return
	}
	res, err := h.publisher.PublishToGeoServer(c.Request.Context(), fileID, user)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, res)
}

// UnpublishGeoServer DELETE /publish/geoserver/:id
func (h *PublishHandler) UnpublishGeoServer(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.publisher.UnpublishFromGeoServer(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"id": id})
}

// Sweep 清理未登记的残留表
func (h *PublishHandler) Sweep(c *gin.Context) {
	dropped, err := h.publisher.SweepOrphanTables(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	log.Ctx(c.Request.Context()).Info().Strs("tables", dropped).Msg("orphan sweep finished")
	if dropped == nil {
		dropped = []string{}
	}
	success(c, gin.H{"dropped": dropped})
}
