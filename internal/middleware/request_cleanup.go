package middleware

import (
	"errors"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// maxDrainBytes caps how much of an unread request body is discarded after the handler.
const maxDrainBytes = 256 * 1024

// DrainAndCloseRequest discards what the handler left unread in the request body, up to
// maxDrainBytes, and closes it. Bigger leftovers are not read, the server drops the
// connection instead of reusing it.
func DrainAndCloseRequest() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			if r.Body == nil || r.Body == http.NoBody {
				return
			}

			drained, err := io.CopyN(io.Discard, r.Body, maxDrainBytes)
			switch {
			case err == nil:
				log.Tracef("request body [%s %s] not drained, gave up after [%d] bytes", r.Method, r.URL.Path, drained)
			case !errors.Is(err, io.EOF):
				log.Tracef("drain request body [%s %s]: %s", r.Method, r.URL.Path, err)
			}

			if err := r.Body.Close(); err != nil {
				log.Tracef("close request body [%s %s]: %s", r.Method, r.URL.Path, err)
			}
		})
	}
}
