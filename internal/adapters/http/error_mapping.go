package httpadapter

import (
	"net/http"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrDocumentNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrInvalidTransition), domain.IsKind(err, domain.ErrSyncDisabled):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrTemporary), domain.IsKind(err, domain.ErrNotHydrated):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
