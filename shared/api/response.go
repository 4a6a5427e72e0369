package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// StandardResponse 统一API响应格式
type StandardResponse struct {
	Success bool        `json:"success"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
}

// ErrorInfo 错误详情结构
type ErrorInfo struct {
	Type   string            `json:"type"`
	Detail string            `json:"detail"`
	Fields map[string]string `json:"fields,omitempty"`
}

// ResponseHandler 响应处理器
type ResponseHandler struct{}

// NewResponseHandler 创建响应处理器
func NewResponseHandler() *ResponseHandler {
	return &ResponseHandler{}
}

// Success 发送成功响应
func (h *ResponseHandler) Success(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, StandardResponse{
		Success: true,
		Code:    statusCode,
		Message: message,
		Data:    data,
		TraceID: h.getTraceID(c),
	})
}

// Error 发送错误响应
func (h *ResponseHandler) Error(c *gin.Context, statusCode int, errorType, message string, fields map[string]string) {
	c.JSON(statusCode, h.errorBody(c, statusCode, errorType, message, fields))
}

// Abort 发送错误响应并中止后续处理（中间件使用）
func (h *ResponseHandler) Abort(c *gin.Context, statusCode int, errorType, message string) {
	c.AbortWithStatusJSON(statusCode, h.errorBody(c, statusCode, errorType, message, nil))
}

func (h *ResponseHandler) errorBody(c *gin.Context, statusCode int, errorType, message string, fields map[string]string) StandardResponse {
	return StandardResponse{
		Success: false,
		Code:    statusCode,
		Message: "请求失败",
		TraceID: h.getTraceID(c),
		Error: &ErrorInfo{
			Type:   errorType,
			Detail: message,
			Fields: fields,
		},
	}
}

// getTraceID 获取追踪ID
func (h *ResponseHandler) getTraceID(c *gin.Context) string {
	if traceID, exists := c.Get("request_id"); exists {
		if id, ok := traceID.(string); ok {
			return id
		}
	}
	return c.GetHeader("X-Request-ID")
}

// OK 200成功响应
func (h *ResponseHandler) OK(c *gin.Context, message string, data interface{}) {
	h.Success(c, http.StatusOK, message, data)
}

// Created 201创建成功响应
func (h *ResponseHandler) Created(c *gin.Context, message string, data interface{}) {
	h.Success(c, http.StatusCreated, message, data)
}

// BadRequest 400错误请求
func (h *ResponseHandler) BadRequest(c *gin.Context, message string, fields map[string]string) {
	h.Error(c, http.StatusBadRequest, "bad_request", message, fields)
}

// Unauthorized 401未授权
func (h *ResponseHandler) Unauthorized(c *gin.Context, message string) {
	h.Error(c, http.StatusUnauthorized, "unauthorized", message, nil)
}

// Forbidden 403禁止访问
func (h *ResponseHandler) Forbidden(c *gin.Context, message string) {
	h.Error(c, http.StatusForbidden, "forbidden", message, nil)
}

// NotFound 404未找到
func (h *ResponseHandler) NotFound(c *gin.Context, message string) {
	h.Error(c, http.StatusNotFound, "not_found", message, nil)
}

// Conflict 409冲突
func (h *ResponseHandler) Conflict(c *gin.Context, message string) {
	h.Error(c, http.StatusConflict, "conflict", message, nil)
}

// TooManyRequests 429请求过多
func (h *ResponseHandler) TooManyRequests(c *gin.Context, message string) {
	h.Error(c, http.StatusTooManyRequests, "rate_limited", message, nil)
}

// InternalServerError 500内部服务器错误
func (h *ResponseHandler) InternalServerError(c *gin.Context, message string) {
	h.Error(c, http.StatusInternalServerError, "internal_error", message, nil)
}

// ValidationError 参数验证错误，自动展开validator字段错误
func (h *ResponseHandler) ValidationError(c *gin.Context, message string, err error) {
	h.Error(c, http.StatusBadRequest, "validation_error", message, FieldErrors(err))
}

// FieldErrors 将validator错误转换为字段->规则映射
func FieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[strings.ToLower(fe.Field()[:1])+fe.Field()[1:]] = fe.Tag()
	}
	return fields
}
