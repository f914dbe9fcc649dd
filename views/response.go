package views

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/GrainArc/SouceGate/apperr"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// OwnerHeader 调用方身份，由上游网关注入
const OwnerHeader = "X-User"

var kindStatus = map[apperr.Kind]int{
	apperr.KindValidation:  http.StatusBadRequest,
	apperr.KindNotFound:    http.StatusNotFound,
	apperr.KindConflict:    http.StatusConflict,
	apperr.KindConstraint:  http.StatusConflict,
	apperr.KindEncoding:    http.StatusUnprocessableEntity,
	apperr.KindDataInvalid: http.StatusUnprocessableEntity,
	apperr.KindUpstream:    http.StatusBadGateway,
	apperr.KindConnection:  http.StatusBadGateway,
	apperr.KindTimeout:     http.StatusGatewayTimeout,
	apperr.KindInternal:    http.StatusInternalServerError,
}

// StatusOf 错误类型对应的 HTTP 状态码
func StatusOf(err error) int {
	if code, ok := kindStatus[apperr.KindOf(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code": 0,
		"data": data,
		"msg":  "success",
	})
}

func fail(c *gin.Context, err error) {
	status := StatusOf(err)
	body := gin.H{
		"code": -1,
		"kind": apperr.KindOf(err),
		"data": nil,
		"msg":  err.Error(),
	}
	if id := apperr.IDOf(err); id != 0 {
		body["existing_id"] = id
	}
	logger := log.Ctx(c.Request.Context())
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg("request failed")
	} else {
		logger.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	c.AbortWithStatusJSON(status, body)
}

func owner(c *gin.Context) (string, error) {
	o := strings.TrimSpace(c.GetHeader(OwnerHeader))
	if o == "" {
		return "", apperr.ErrValidation.Msgf("missing %s header", OwnerHeader)
	}
	return o, nil
}

func paramID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.ErrValidation.Msgf("invalid %s %q", name, c.Param(name))
	}
	return id, nil
}

// bindJSON 请求体解析失败统一按 validation 处理
func bindJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return err
		}
		return apperr.ErrValidation.Msg("invalid request body").Err(err)
	}
	return nil
}
