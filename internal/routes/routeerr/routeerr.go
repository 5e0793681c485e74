// Package routeerr maps a streamengine error to the HTTP response every
// route adapter sends the client: a path-validation failure is a 404, an
// exhausted mirror list propagates the last mirror's status and headers
// (minus Date/Server, already stripped by the engine) if one was ever
// obtained, and 504 otherwise.
package routeerr

import (
	"net/http"

	"github.com/hingebase/mahoraga-go/internal/core/streamengine"
)

// Write sends the response a failed streamengine.Get/Stream call should
// produce for the client.
func Write(w http.ResponseWriter, err error) {
	if streamengine.KindOf(err) == streamengine.PathValidationError {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if status, header, ok := streamengine.AsStatusError(err); ok {
		for k, v := range header {
			w.Header()[k] = v
		}
		w.WriteHeader(status)
		return
	}

	// Every candidate mirror failed with a transport error - no response was
	// ever obtained.
	w.WriteHeader(http.StatusGatewayTimeout)
}
