package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"emx-llm/internal/client"
	"emx-llm/internal/resolver"
)

// requestError renders as a provider-native error body with the right
// HTTP status.
type requestError struct {
	Status  int
	Message string
	Type    string
}

func (e requestError) Error() string {
	return e.Message
}

func badRequest(message string) requestError {
	return requestError{Status: http.StatusBadRequest, Message: message, Type: "bad_request"}
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = status
	return c.JSON(status, payload)
}

// errorHandler is the echo HTTPErrorHandler: every failure leaves the
// gateway as {"error":{"message","type","code"}} JSON.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type)
		return
	}

	if he, ok := err.(*echo.HTTPError); ok {
		message := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok {
			message = s
		}
		errType := "bad_request"
		if he.Code >= 500 {
			errType = "server_error"
		}
		_ = writeError(c, he.Code, message, errType)
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error")
}

// resolveError maps resolver failures onto gateway statuses: an unknown
// model is 404, a bad reference is the caller's fault, an incomplete tree
// is ours.
func resolveError(err error) error {
	switch {
	case errors.Is(err, resolver.ErrNotFound):
		return requestError{Status: http.StatusNotFound, Message: err.Error(), Type: "not_found"}
	case errors.Is(err, resolver.ErrAmbiguous), errors.Is(err, resolver.ErrInvalidRef):
		return badRequest(err.Error())
	}
	return requestError{Status: http.StatusInternalServerError, Message: err.Error(), Type: "server_error"}
}

// dispatchError maps dispatcher failures that occur before any upstream
// body is available.
func dispatchError(err error) error {
	switch {
	case errors.Is(err, client.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return requestError{Status: http.StatusGatewayTimeout, Message: err.Error(), Type: "timeout"}
	case errors.Is(err, context.Canceled):
		return requestError{Status: 499, Message: "client closed request", Type: "canceled"}
	}
	var provErr *client.ProviderError
	if errors.As(err, &provErr) {
		return requestError{Status: http.StatusBadGateway, Message: provErr.Error(), Type: "upstream_error"}
	}
	return requestError{Status: http.StatusBadGateway, Message: err.Error(), Type: "upstream_error"}
}
