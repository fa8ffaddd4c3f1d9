package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/utafrali/storecart/pkg/errors"
)

type downstreamError struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseResponseError consumes and closes resp.Body and converts a non-2xx
// response into an error. Bodies in the platform's {"error":{code,message}}
// envelope keep their code and message.
func ParseResponseError(resp *http.Response, service string) error {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("%s returned status %d: read body: %w", service, resp.StatusCode, err)
	}

	var env downstreamError
	if json.Unmarshal(body, &env) != nil || env.Error == nil {
		return fmt.Errorf("%s returned status %d: %s", service, resp.StatusCode, body)
	}

	msg := fmt.Sprintf("%s: %s", service, env.Error.Message)
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperrors.InvalidInput(msg)
	case http.StatusNotFound:
		return apperrors.NotFound(service, env.Error.Message)
	case http.StatusConflict:
		return apperrors.Conflict(msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.Unauthorized(msg)
	case http.StatusServiceUnavailable:
		return &apperrors.AppError{Code: env.Error.Code, Message: msg, Status: http.StatusServiceUnavailable, Err: apperrors.ErrServiceUnavail}
	}
	return fmt.Errorf("%s returned status %d (%s): %s", service, resp.StatusCode, env.Error.Code, env.Error.Message)
}
