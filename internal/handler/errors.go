package handlers

import (
	"net/http"

	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	"github.com/code-100-precent/LingDispatch/pkg/response"
	"github.com/gin-gonic/gin"
)

func statusFor(code dispatch.Code) int {
	switch code {
	case dispatch.CodeBadRequest:
		return http.StatusBadRequest
	case dispatch.CodeAuthRejected:
		return http.StatusUnauthorized
	case dispatch.CodePermissionDenied:
		return http.StatusForbidden
	case dispatch.CodeUnknownCall, dispatch.CodeUnknownRequest, dispatch.CodeUnknownSession:
		return http.StatusNotFound
	case dispatch.CodeDuplicateCall,
		dispatch.CodeIllegalTransition,
		dispatch.CodeOutOfOrderFragment,
		dispatch.CodeCallNotHandlingByAI,
		dispatch.CodeTakeoverInProgress,
		dispatch.CodeNotController,
		dispatch.CodeNotRequester:
		return http.StatusConflict
	case dispatch.CodeSessionTimeout:
		return http.StatusGone
	case dispatch.CodeAuditWriteFailed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// failDispatch writes err in the response envelope with its dispatch code.
func failDispatch(c *gin.Context, err error) {
	code := dispatch.CodeOf(err)
	status := statusFor(code)
	// 鉴权服务不可用时可重试，与凭证错误区分
	if code == dispatch.CodeAuthRejected && dispatch.IsRetryable(err) {
		status = http.StatusServiceUnavailable
	}
	response.FailWithCode(c, status, err.Error(), response.ErrorData{
		Code:      string(code),
		Retryable: dispatch.IsRetryable(err),
	})
}
