package handlers

import (
	"errors"

	"github.com/huangang/vibecoding/internal/livesync"
	"github.com/huangang/vibecoding/internal/permission"
	"github.com/huangang/vibecoding/internal/services"
	"github.com/huangang/vibecoding/pkg/response"
)

// appError translates a domain error into the status the API reports.
func appError(err error) *response.AppError {
	var appErr *response.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, services.ErrMissingCredential):
		return response.Wrap(response.NewUnauthorized(services.ErrMissingCredential.Error()), err)
	case errors.Is(err, services.ErrViewerForbidden):
		return response.Wrap(response.NewForbidden(services.ErrViewerForbidden.Error()), err)
	case errors.Is(err, permission.ErrUnauthorized):
		return response.Wrap(response.NewForbidden(err.Error()), err)
	case errors.Is(err, services.ErrFileNotFound),
		errors.Is(err, livesync.ErrFileNotFound),
		errors.Is(err, services.ErrProjectNotFound),
		errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, livesync.ErrSessionNotFound),
		errors.Is(err, livesync.ErrSessionClosed):
		return response.Wrap(response.NewNotFound(err.Error()), err)
	case errors.Is(err, services.ErrFileExists),
		errors.Is(err, livesync.ErrDuplicatePath):
		return response.Wrap(response.NewConflict(err.Error()), err)
	case errors.Is(err, services.ErrInvalidRole),
		errors.Is(err, livesync.ErrInvalidPath):
		return response.Wrap(response.NewBadRequest(err.Error()), err)
	default:
		return response.Wrap(response.NewServerError(err.Error()), err)
	}
}
