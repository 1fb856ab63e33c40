package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/autorun/internal/errors"
	"github.com/3leaps/autorun/internal/server/middleware"
)

// HTTPErrorResponder writes err to w.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = defaultErrorResponder

// SetHTTPErrorResponder overrides error rendering. Nil restores the default.
func SetHTTPErrorResponder(fn HTTPErrorResponder) {
	if fn == nil {
		fn = defaultErrorResponder
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default error rendering.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	status, envelope := apperrors.EnvelopeFor(err)
	envelope.WithCorrelationID(middleware.GetRequestID(r.Context()))
	apperrors.RespondWithError(w, status, envelope)
}
