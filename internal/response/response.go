// Package response provides the unified JSON envelope used by every
// non-streaming endpoint: {code, data, msg}. code 200 means success.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Stable business codes surfaced to clients.
const (
	CodeOK                   = 200
	CodeInvalidRequest       = 400
	CodeUnauthorized         = 401
	CodeTokenExpired         = 4011
	CodeForbidden            = 403
	CodeNotFound             = 404
	CodeInsufficientBalance  = 4201
	CodeContentViolationPre  = 4202
	CodeContentViolationPost = 4203
	CodeUpstreamError        = 502
	CodeBusy                 = 503
	CodeInternal             = 500
)

// Envelope is the wire shape of every non-streaming response.
type Envelope struct {
	Code int         `json:"code"`
	Data interface{} `json:"data"`
	Msg  string      `json:"msg"`
}

// OK writes a success envelope with HTTP 200.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Envelope{Code: CodeOK, Data: data, Msg: "success"})
}

// Error writes an error envelope. The HTTP status is derived from the
// business code; 4xxx codes map onto their leading 3-digit status.
func Error(c *gin.Context, code int, msg string) {
	c.JSON(httpStatus(code), Envelope{Code: code, Data: nil, Msg: msg})
}

// AbortError writes an error envelope and aborts the handler chain.
func AbortError(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(httpStatus(code), Envelope{Code: code, Data: nil, Msg: msg})
}

func httpStatus(code int) int {
	switch {
	case code == CodeOK:
		return http.StatusOK
	case code >= 1000:
		return httpStatus(code / 10)
	case code >= 400 && code < 600:
		return code
	default:
		return http.StatusInternalServerError
	}
}
