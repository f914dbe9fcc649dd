package views

import (
	"github.com/GrainArc/SouceGate/services"
	"github.com/gin-gonic/gin"
)

type FileController struct {
	fileService *services.FileService
}

func NewFileController(fileService *services.FileService) *FileController {
	return &FileController{
		fileService: fileService,
	}
}

// Register 登记上传目录中的文件
func (c *FileController) Register(ctx *gin.Context) {
	user, err := owner(ctx)
	if err != nil {
		fail(ctx, err)
		return
	}
	var in services.RegisterInput
	if err := bindJSON(ctx, &in); err != nil {
		fail(ctx, err)
		return
	}
	f, err := c.fileService.Register(ctx.Request.Context(), user, in)
	if err != nil {
		fail(ctx, err)
		return
	}
	success(ctx, f)
}

func (c *FileController) Get(ctx *gin.Context) {
	id, err := paramID(ctx, "id")
	if err != nil {
		fail(ctx, err)
		return
	}
	f, err := c.fileService.Get(ctx.Request.Context(), id)
	if err != nil {
		fail(ctx, err)
		return
	}
	success(ctx, f)
}

// GetDirectoryContent 获取目录内容（懒加载）
func (c *FileController) GetDirectoryContent(ctx *gin.Context) {
	content, err := c.fileService.GetDirectoryContent(ctx.Query("path"))
	if err != nil {
		fail(ctx, err)
		return
	}
	success(ctx, content)
}

func (c *FileController) GetRootPath(ctx *gin.Context) {
	success(ctx, gin.H{"rootPath": c.fileService.RootPath})
}
