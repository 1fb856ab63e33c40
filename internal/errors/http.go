package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// HTTPErrorResponse wraps an envelope for JSON responses.
type HTTPErrorResponse struct {
	Error *gferrors.ErrorEnvelope `json:"error"`
}

// StatusFor maps a failure kind onto an HTTP status.
func StatusFor(err error) (int, string) {
	kind, ok := KindOf(err)
	if !ok {
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
	switch kind {
	case KindUsage:
		return http.StatusBadRequest, "BAD_REQUEST"
	case KindPrecondition:
		return http.StatusNotFound, "NOT_FOUND"
	default:
		return http.StatusUnprocessableEntity, strings.ToUpper(string(kind)) + "_FAILED"
	}
}

// EnvelopeFor builds the envelope for a classified error. The hint, when
// present, goes into the envelope context.
func EnvelopeFor(err error) (int, *gferrors.ErrorEnvelope) {
	status, code := StatusFor(err)
	envelope := gferrors.NewErrorEnvelope(code, err.Error())
	var e *Error
	if stderrors.As(err, &e) && e.Path != "" {
		envelope.WithPath(e.Path)
	}
	if hint := HintOf(err); hint != "" {
		envelope = gferrors.SafeWithContext(envelope, map[string]any{"hint": hint})
	}
	return status, envelope
}

// RespondWithError writes the envelope as JSON with the given status.
func RespondWithError(w http.ResponseWriter, status int, envelope *gferrors.ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: envelope})
}
