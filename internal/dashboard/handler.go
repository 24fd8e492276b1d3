package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/2beens/dashgate/internal/apitoken"
	"github.com/2beens/dashgate/internal/auth"
	"github.com/2beens/dashgate/internal/middleware"
	"github.com/2beens/dashgate/internal/session"
	"github.com/2beens/dashgate/internal/telemetry/metrics"
	"github.com/2beens/dashgate/internal/telemetry/tracing"
	"github.com/2beens/dashgate/pkg"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	maxTokenBodyBytes = 64 * 1024
	maxLoginBodyBytes = 4 * 1024
)

type credentialsVerifier interface {
	Verify(username, password string) (string, error)
}

type sessionManager interface {
	Login(ctx context.Context, username string, createdAt time.Time) (*session.Session, error)
	Logout(ctx context.Context, token string) (bool, error)
	TTL() time.Duration
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	Username   string    `json:"username"`
	LoggedInAt time.Time `json:"logged_in_at"`
}

type TokenStatus struct {
	Present          bool       `json:"present"`
	User             string     `json:"user,omitempty"`
	Preview          string     `json:"preview,omitempty"`
	RetrievedAt      *time.Time `json:"retrieved_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Expired          bool       `json:"expired"`
	ExpiresInSeconds int64      `json:"expires_in_seconds,omitempty"`
}

type Handler struct {
	verifier       credentialsVerifier
	sessions       sessionManager
	metricsManager *metrics.Manager
	apiTokenPath   string
	versionInfo    string
	secureCookies  bool
	now            func() time.Time
}

func NewHandler(
	verifier credentialsVerifier,
	sessions sessionManager,
	metricsManager *metrics.Manager,
	apiTokenPath string,
	versionInfo string,
	secureCookies bool,
) *Handler {
	return &Handler{
		verifier:       verifier,
		sessions:       sessions,
		metricsManager: metricsManager,
		apiTokenPath:   apiTokenPath,
		versionInfo:    versionInfo,
		secureCookies:  secureCookies,
		now:            time.Now,
	}
}

func (handler *Handler) SetupRoutes(
	mainRouter *mux.Router,
	rateLimiter middleware.RequestRateLimiter,
	loginAllowedPerMin int,
	trustedProxies pkg.TrustedProxies,
) {
	mainRouter.HandleFunc("/", handler.handleRoot).Methods("GET", "OPTIONS").Name("root")
	mainRouter.HandleFunc("/version", handler.handleGetVersionInfo).Methods("GET").Name("version")
	mainRouter.HandleFunc("/a/whoami", handler.handleWhoAmI).Methods("GET").Name("whoami")
	mainRouter.HandleFunc("/token", handler.handleGetToken).Methods("GET").Name("token-get")
	mainRouter.HandleFunc("/token", handler.handleSetToken).Methods("POST").Name("token-set")

	loginSubrouter := mainRouter.PathPrefix("/a").Subrouter()
	loginSubrouter.
		HandleFunc("/login", handler.handleLogin).
		Methods("POST", "OPTIONS").Name("login")
	loginSubrouter.
		HandleFunc("/logout", handler.handleLogout).
		Methods("GET", "POST", "OPTIONS").Name("logout")

	// rate limit the /login and /logout endpoints to prevent abuse
	loginSubrouter.Use(middleware.RateLimit(rateLimiter, "login", loginAllowedPerMin, trustedProxies, handler.metricsManager))
}

func (handler *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	pkg.WriteTextResponseOK(w, "I'm OK, thanks ;)")
}

func (handler *Handler) handleGetVersionInfo(w http.ResponseWriter, _ *http.Request) {
	pkg.WriteTextResponseOK(w, handler.versionInfo)
}

func (handler *Handler) countLogin(result string) {
	if handler.metricsManager != nil {
		handler.metricsManager.CounterLoginAttempts.WithLabelValues(result).Inc()
	}
}

func (handler *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "dashboardHandler.login")
	defer span.End()

	if r.Method == http.MethodOptions {
		w.Header().Add("Allow", "POST, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBodyBytes)

	var loginReq LoginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), pkg.ContentType.JSON) {
		if err := json.NewDecoder(r.Body).Decode(&loginReq); err != nil {
			log.Errorf("login, unmarshal json params: %s", err)
			handler.countLogin(metrics.LoginResultInvalid)
			span.SetStatus(codes.Error, "bad-request")
			http.Error(w, "login failed", loginBodyErrorStatus(err))
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			log.Errorf("login failed, parse form error: %s", err)
			handler.countLogin(metrics.LoginResultInvalid)
			span.SetStatus(codes.Error, "bad-request")
			http.Error(w, "parse form error", loginBodyErrorStatus(err))
			return
		}
		loginReq = LoginRequest{
			Username: r.Form.Get("username"),
			Password: r.Form.Get("password"),
		}
	}

	if loginReq.Username == "" {
		handler.countLogin(metrics.LoginResultInvalid)
		span.SetStatus(codes.Error, "username-empty")
		http.Error(w, "error, username empty", http.StatusBadRequest)
		return
	}
	if loginReq.Password == "" {
		handler.countLogin(metrics.LoginResultInvalid)
		span.SetStatus(codes.Error, "password-empty")
		http.Error(w, "error, password empty", http.StatusBadRequest)
		return
	}

	username, err := handler.verifier.Verify(loginReq.Username, loginReq.Password)
	if err != nil {
		log.Tracef("failed login attempt for user: %s", loginReq.Username)
		handler.countLogin(metrics.LoginResultDenied)
		span.SetStatus(codes.Error, "denied")
		http.Error(w, auth.ErrDenied.Error(), http.StatusUnauthorized)
		return
	}
	span.SetAttributes(attribute.String("user.name", username))

	sess, err := handler.sessions.Login(ctx, username, handler.now())
	if err != nil {
		log.Errorf("login failed, create session: %s", err)
		handler.countLogin(metrics.LoginResultError)
		tracing.SpanError(span, "create-session", err)
		http.Error(w, "create session error", http.StatusInternalServerError)
		return
	}

	respJson, err := json.Marshal(LoginResponse{Token: sess.Token})
	if err != nil {
		log.Errorf("login, marshal response: %s", err)
		handler.countLogin(metrics.LoginResultError)
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    sess.Token,
		Path:     "/",
		MaxAge:   int(handler.sessions.TTL().Seconds()),
		HttpOnly: true,
		Secure:   handler.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	handler.countLogin(metrics.LoginResultGranted)
	span.SetStatus(codes.Ok, "granted")
	log.Debugf("login success for [%s]", username)
	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, respJson)
}

func loginBodyErrorStatus(err error) int {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func (handler *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "dashboardHandler.logout")
	defer span.End()

	if r.Method == http.MethodOptions {
		w.Header().Add("Allow", "GET, POST, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}

	authToken := session.TokenFromRequest(r)
	if authToken == "" {
		span.SetStatus(codes.Error, "missing-auth-token")
		http.Error(w, "no can do", http.StatusUnauthorized)
		return
	}

	loggedOut, err := handler.sessions.Logout(ctx, authToken)
	if err != nil {
		log.Errorf("[failed logout] => %s: %s", r.URL.Path, err)
		tracing.SpanError(span, "logout", err)
		http.Error(w, "no can do", http.StatusUnauthorized)
		return
	}
	if !loggedOut {
		span.SetStatus(codes.Error, "not-logged")
		http.Error(w, "no can do", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   handler.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	if handler.metricsManager != nil {
		handler.metricsManager.CounterLogouts.Inc()
	}
	span.SetStatus(codes.Ok, "logged-out")
	log.Debugln("logout success")
	pkg.WriteTextResponseOK(w, "logged-out")
}

func (handler *Handler) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	_, span := tracing.GlobalTracer.Start(r.Context(), "dashboardHandler.whoAmI")
	defer span.End()

	sess, ok := session.FromContext(r.Context())
	if !ok {
		span.SetStatus(codes.Error, "not-logged")
		http.Error(w, "no can do", http.StatusUnauthorized)
		return
	}

	respJson, err := json.Marshal(WhoAmIResponse{
		Username:   sess.Username,
		LoggedInAt: sess.CreatedAt,
	})
	if err != nil {
		log.Errorf("whoami, marshal response: %s", err)
		http.Error(w, "whoami failed", http.StatusInternalServerError)
		return
	}

	span.SetStatus(codes.Ok, "ok")
	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, respJson)
}

func (handler *Handler) tokenStatus(record *apitoken.Record) TokenStatus {
	now := handler.now()
	retrievedAt := record.RetrievedAt
	return TokenStatus{
		Present:          true,
		User:             record.User,
		Preview:          record.Preview(),
		RetrievedAt:      &retrievedAt,
		ExpiresAt:        record.ExpiresAt,
		Expired:          record.Expired(now),
		ExpiresInSeconds: int64(record.ExpiresIn(now).Seconds()),
	}
}

func (handler *Handler) writeTokenStatus(w http.ResponseWriter, status TokenStatus) {
	respJson, err := json.Marshal(status)
	if err != nil {
		log.Errorf("api token, marshal status: %s", err)
		http.Error(w, "api token status error", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, respJson)
}

func (handler *Handler) handleGetToken(w http.ResponseWriter, r *http.Request) {
	_, span := tracing.GlobalTracer.Start(r.Context(), "dashboardHandler.getToken")
	defer span.End()

	record, err := apitoken.Load(handler.apiTokenPath)
	if errors.Is(err, apitoken.ErrNoToken) {
		span.SetStatus(codes.Ok, "no-token")
		handler.writeTokenStatus(w, TokenStatus{})
		return
	}
	if err != nil {
		log.Errorf("load api token: %s", err)
		tracing.SpanError(span, "load-token", err)
		http.Error(w, "api token status error", http.StatusInternalServerError)
		return
	}

	span.SetStatus(codes.Ok, "ok")
	handler.writeTokenStatus(w, handler.tokenStatus(record))
}

func (handler *Handler) handleSetToken(w http.ResponseWriter, r *http.Request) {
	_, span := tracing.GlobalTracer.Start(r.Context(), "dashboardHandler.setToken")
	defer span.End()

	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTokenBodyBytes)).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "bad-request")
		http.Error(w, "invalid token request", http.StatusBadRequest)
		return
	}

	record, err := apitoken.Save(handler.apiTokenPath, req.Token, handler.now())
	switch {
	case errors.Is(err, apitoken.ErrNoToken):
		span.SetStatus(codes.Error, "token-empty")
		http.Error(w, "error, token empty", http.StatusBadRequest)
		return
	case errors.Is(err, apitoken.ErrMalformed):
		span.SetStatus(codes.Error, "token-malformed")
		http.Error(w, "error, token must have 3 segments", http.StatusBadRequest)
		return
	case err != nil:
		log.Errorf("save api token: %s", err)
		tracing.SpanError(span, "save-token", err)
		http.Error(w, "save api token error", http.StatusInternalServerError)
		return
	}

	if sess, ok := session.FromContext(r.Context()); ok {
		log.Infof("api token updated by [%s]", sess.Username)
	}
	span.SetStatus(codes.Ok, "saved")
	handler.writeTokenStatus(w, handler.tokenStatus(record))
}
