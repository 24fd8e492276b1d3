package middleware

import (
	"net/http"

	"github.com/2beens/dashgate/pkg"

	log "github.com/sirupsen/logrus"
)

func LogRequest(trustedProxies pkg.TrustedProxies) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.WithFields(log.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
				"ip":     clientIP(r, trustedProxies),
				"ua":     r.Header.Get("User-Agent"),
			}).Trace(" ====> request")
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request, trustedProxies pkg.TrustedProxies) string {
	ip, err := pkg.ReadUserIP(r, trustedProxies)
	if err != nil {
		log.Tracef("read user ip: %s", err)
		return "unknown"
	}
	return ip
}
