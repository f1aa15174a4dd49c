package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/newsletter/internal/api/middleware"
	"github.com/d60-Lab/newsletter/internal/model"
	"github.com/d60-Lab/newsletter/internal/repository"
	"github.com/d60-Lab/newsletter/internal/service"
	"github.com/d60-Lab/newsletter/pkg/response"
)

type publishRequest struct {
	Title          string `form:"title" json:"title" binding:"required"`
	Text           string `form:"text" json:"text" binding:"required"`
	HTML           string `form:"html" json:"html" binding:"required"`
	IdempotencyKey string `form:"idempotency_key" json:"idempotency_key"`
}

// PublishNewsletter 发布一期（幂等）
// @Summary 发布一期 newsletter
// @Description 同一用户同一 idempotency_key 的重复请求返回完全相同的响应
// @Tags 期刊
// @Accept x-www-form-urlencoded,json
// @Produce plain
// @Security BearerAuth
// @Param request body publishRequest true "期刊内容"
// @Success 303 {string} string "跳转回发布页"
// @Failure 400 {object} response.Response
// @Failure 401 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /admin/newsletters [post]
func (h *Handler) PublishNewsletter(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBind(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	key, err := service.ParseIdempotencyKey(req.IdempotencyKey)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	res, err := h.publisher.Publish(c.Request.Context(), service.PublishInput{
		UserID:         c.GetString(middleware.UserIDKey),
		IdempotencyKey: key,
		Title:          req.Title,
		TextContent:    req.Text,
		HTMLContent:    req.HTML,
	})
	if err != nil {
		response.InternalError(c, err)
		return
	}
	writeSaved(c, res.Response)
}

// DeliveryStatus 查询某期剩余待投递数
// @Summary 查询投递进度
// @Tags 期刊
// @Produce json
// @Security BearerAuth
// @Param issue_id path string true "期刊ID"
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Failure 404 {object} response.Response
// @Router /admin/newsletters/{issue_id}/deliveries [get]
func (h *Handler) DeliveryStatus(c *gin.Context) {
	issueID := c.Param("issue_id")
	pending, err := h.publisher.PendingDeliveries(c.Request.Context(), issueID)
	if errors.Is(err, repository.ErrIssueNotFound) {
		response.NotFound(c, "newsletter issue not found")
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"issue_id": issueID, "pending": pending})
}

// writeSaved 原样写出状态码、响应头与响应体
func writeSaved(c *gin.Context, resp *model.SavedResponse) {
	header := c.Writer.Header()
	for _, h := range resp.Headers {
		header.Add(h.Name, string(h.Value))
	}
	c.Writer.WriteHeader(resp.StatusCode)
	_, _ = c.Writer.Write(resp.Body)
}
