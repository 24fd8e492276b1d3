package session

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const (
	TokenHeader = "X-DASH-TOKEN"
	CookieName  = "dashgate_session"
)

// Session is the per-user authentication state. It travels with the request
// context instead of living in process-wide state.
type Session struct {
	Token         string    `json:"-"`
	Username      string    `json:"username"`
	Authenticated bool      `json:"authenticated"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CreatedAt) > ttl
}

type ctxKey struct{}

func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Session)
	if !ok || s == nil || !s.Authenticated {
		return nil, false
	}
	return s, true
}

// TokenFromRequest reads the session token from the header first, then from the cookie.
func TokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(TokenHeader)); token != "" {
		return token
	}
	if cookie, err := r.Cookie(CookieName); err == nil {
		return cookie.Value
	}
	return ""
}
