package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
type Response struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

// ErrorData 失败时附带的机器可读信息
type ErrorData struct {
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Success 200 + code 0
func Success(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: 0, Msg: msg, Data: data})
}

// Fail 业务失败，HTTP 仍返回 200
func Fail(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: 500, Msg: msg, Data: data})
}

// FailWithCode uses status as both the HTTP status and the envelope code.
func FailWithCode(c *gin.Context, status int, msg string, data interface{}) {
	c.JSON(status, Response{Code: status, Msg: msg, Data: data})
}

func AbortWithStatus(c *gin.Context, status int) {
	c.AbortWithStatusJSON(status, Response{Code: status, Msg: http.StatusText(status)})
}

func AbortWithStatusJSON(c *gin.Context, status int, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, Response{Code: status, Msg: msg})
}
