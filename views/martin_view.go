package views

import (
	"context"

	"github.com/GrainArc/SouceGate/services"
	"github.com/gin-gonic/gin"
)

// TileServerControl 切片服务进程控制
type TileServerControl interface {
	Status() services.MartinStatus
	Refresh(ctx context.Context) (*services.MartinStatus, error)
	Catalog(ctx context.Context) (*services.MartinCatalog, error)
}

type MartinHandler struct {
	tiles TileServerControl
}

func NewMartinHandler(tiles TileServerControl) *MartinHandler {
	return &MartinHandler{tiles: tiles}
}

func (h *MartinHandler) Status(c *gin.Context) {
	success(c, h.tiles.Status())
}

// Refresh 重写配置并立即重启，不走合并窗口
func (h *MartinHandler) Refresh(c *gin.Context) {
	st, err := h.tiles.Refresh(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	success(c, st)
}

func (h *MartinHandler) Catalog(c *gin.Context) {
	cat, err := h.tiles.Catalog(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	success(c, cat)
}
