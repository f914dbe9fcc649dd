package routers

import (
	"github.com/GrainArc/SouceGate/views"
	"github.com/gin-gonic/gin"
)

// Handlers 路由依赖的全部控制器
type Handlers struct {
	Publish *views.PublishHandler
	Scenes  *views.SceneHandler
	Files   *views.FileController
	Martin  *views.MartinHandler
}

func GeoRouters(r *gin.Engine, h Handlers) {
	r.Use(RequestLogger())

	fileRouter := r.Group("/files")
	{
		fileRouter.POST("", h.Files.Register)
		fileRouter.GET("/:id", h.Files.Get)
		fileRouter.GET("/browse", h.Files.GetDirectoryContent)
		fileRouter.GET("/root", h.Files.GetRootPath)
	}
	publishRouter := r.Group("/publish")
	{
		publishRouter.POST("/martin/:file_id", h.Publish.PublishMartin)
		publishRouter.DELETE("/martin/:id", h.Publish.UnpublishMartin)
		publishRouter.POST("/geoserver/:file_id", h.Publish.PublishGeoServer)
		publishRouter.DELETE("/geoserver/:id", h.Publish.UnpublishGeoServer)
		publishRouter.POST("/sweep", h.Publish.Sweep)
	}
	sceneRouter := r.Group("/scenes")
	{
		sceneRouter.POST("", h.Scenes.CreateScene)
		sceneRouter.GET("", h.Scenes.ListScenes)
		sceneRouter.GET("/:id", h.Scenes.GetScene)
		sceneRouter.PATCH("/:id", h.Scenes.UpdateScene)
		sceneRouter.DELETE("/:id", h.Scenes.DeleteScene)
		sceneRouter.POST("/:id/layers", h.Scenes.AddLayer)
		sceneRouter.PUT("/:id/layers/order", h.Scenes.Reorder)
		sceneRouter.PATCH("/layers/:layer_id", h.Scenes.UpdateLayer)
		sceneRouter.DELETE("/layers/:layer_id", h.Scenes.RemoveLayer)
	}
	martinRouter := r.Group("/martin")
	{
		martinRouter.GET("/status", h.Martin.Status)
		martinRouter.GET("/catalog", h.Martin.Catalog)
		martinRouter.POST("/refresh", h.Martin.Refresh)
	}
}
