package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/sabi/internal/inference"
	"github.com/samcharles93/sabi/internal/model"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

// writeEngineError maps engine and model failures onto HTTP statuses.
func writeEngineError(c *echo.Context, err error) error {
	var tooLong *model.SequenceTooLongError
	switch {
	case errors.Is(err, ErrModelNotFound):
		return writeNotFound(c, err.Error())
	case errors.As(err, &tooLong):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "tokens", "sequence_too_long")
	case errors.Is(err, inference.ErrNoTokenizer):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "prompt", "no_tokenizer")
	case errors.Is(err, inference.ErrInvalidDecodingConfig):
		var derr *inference.InvalidDecodingConfigError
		param := ""
		if errors.As(err, &derr) {
			param = derr.Option
		}
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), param, "invalid_decoding_config")
	case isClientError(err):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return writeError(c, http.StatusServiceUnavailable, "server_error", err.Error(), "", "canceled")
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
}

func isClientError(err error) bool {
	for _, target := range []error{
		ErrInvalidRequest,
		model.ErrInvalidConfig,
		model.ErrTokenOutOfRange,
		model.ErrBatchTooLarge,
		model.ErrShapeMismatch,
		model.ErrCacheGap,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func newForwardID() string {
	return "fwd_" + uuid.NewString()
}

func newGenerationID() string {
	return "gen_" + uuid.NewString()
}
