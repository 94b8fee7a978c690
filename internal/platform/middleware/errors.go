package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorHandler renders errors as ErrorResponse. Anything that is not an
// *echo.HTTPError is logged and reported as 500 without detail.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := http.StatusText(code)

		var he *echo.HTTPError
		switch {
		case errors.As(err, &he):
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprintf("%v", he.Message)
			}
		case errors.Is(err, context.DeadlineExceeded):
			code = http.StatusGatewayTimeout
			msg = "request timed out"
		default:
			logger.Error().Err(err).
				Str("request_id", GetRequestID(c)).
				Str("path", c.Request().URL.Path).
				Msg("unhandled error")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, ErrorResponse{Error: msg, RequestID: GetRequestID(c)})
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}
