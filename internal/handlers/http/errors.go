package http

import (
	"net/http"

	"videorelay/internal/core/domain"
	"videorelay/pkg/errors"
)

// DomainErrorMappings turns relay sentinels into HTTP errors for
// middleware.ErrorHandlerMiddleware.
func DomainErrorMappings() []errors.Mapping {
	return []errors.Mapping{
		{Target: domain.ErrOutOfRange, Build: func(err error) *errors.AppError {
			return errors.WrapError(err, errors.ErrCodeNotFound, "no such stream", http.StatusNotFound)
		}},
		{Target: domain.ErrInvalidArgument, Build: func(err error) *errors.AppError {
			return errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
		}},
		{Target: domain.ErrUnauthorized, Build: func(err error) *errors.AppError {
			return errors.WrapError(err, errors.ErrCodeUnauthorized, "unauthorized", http.StatusUnauthorized)
		}},
		{Target: domain.ErrContestFrozen, Build: func(err error) *errors.AppError {
			return errors.WrapError(err, errors.ErrCodeContestFrozen, "Contest is frozen", http.StatusUnauthorized)
		}},
		{Target: domain.ErrDirectMode, Build: func(err error) *errors.AppError {
			return errors.WrapError(err, errors.ErrCodeDirectMode, "stream is in direct mode", http.StatusConflict)
		}},
		{Target: domain.ErrUpstreamConnect, Build: func(err error) *errors.AppError {
			return errors.WrapError(err, errors.ErrCodeUpstreamUnavailable, "upstream unavailable", http.StatusBadGateway)
		}},
	}
}
