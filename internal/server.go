package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/extra/redisotel/v8"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/multierr"

	"github.com/2beens/dashgate/internal/auth"
	"github.com/2beens/dashgate/internal/collector"
	"github.com/2beens/dashgate/internal/config"
	"github.com/2beens/dashgate/internal/dashboard"
	"github.com/2beens/dashgate/internal/middleware"
	"github.com/2beens/dashgate/internal/secrets"
	"github.com/2beens/dashgate/internal/session"
	"github.com/2beens/dashgate/internal/telemetry/metrics"
	"github.com/2beens/dashgate/pkg"
)

type Server struct {
	httpServer        *http.Server
	metricsHttpServer *http.Server
	versionInfo       string

	config *config.Config

	redisClient    *redis.Client
	credentials    *auth.Store
	sessionService *session.Service
	rateLimiter    middleware.RequestRateLimiter
	trustedProxies pkg.TrustedProxies

	// upstream metrics
	location         *time.Location
	metricsStore     *collector.Store
	metricsCollector *collector.Collector

	// metrics
	metricsManager *metrics.Manager
	promRegistry   *prometheus.Registry
}

type NewServerParams struct {
	Config        *config.Config
	VersionInfo   string
	RedisPassword string
}

func NewServer(
	ctx context.Context,
	params NewServerParams,
) (*Server, error) {
	promRegistry := metrics.SetupPrometheus()
	metricsManager := metrics.NewManager("dashgate", "main", promRegistry)
	metricsManager.GaugeLifeSignal.Set(0)

	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(params.Config.RedisHost, params.Config.RedisPort),
		Password: params.RedisPassword,
		DB:       0, // use default DB
	})
	rdb.AddHook(redisotel.NewTracingHook())

	rdbStatus := rdb.Ping(ctx)
	if err := rdbStatus.Err(); err != nil {
		log.Errorf("--> failed to ping redis: %s", err)
	} else {
		log.Debugf("redis ping: %s", rdbStatus.Val())
	}

	s, err := newServer(ctx, params, rdb, metricsManager, promRegistry)
	if err != nil {
		if closeErr := rdb.Close(); closeErr != nil {
			log.Errorf("failed to close redis client conn: %s", closeErr)
		}
		return nil, err
	}

	return s, nil
}

func newServer(
	ctx context.Context,
	params NewServerParams,
	rdb *redis.Client,
	metricsManager *metrics.Manager,
	promRegistry *prometheus.Registry,
) (*Server, error) {
	users, err := secrets.Load(params.Config.SecretsPath)
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}

	trustedProxies, err := params.Config.ParsedTrustedProxies()
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	location, err := params.Config.Location()
	if err != nil {
		return nil, fmt.Errorf("load collect timezone: %w", err)
	}

	s := &Server{
		config:         params.Config,
		versionInfo:    params.VersionInfo,
		redisClient:    rdb,
		credentials:    auth.NewStore(auth.NewCredentials(users)),
		sessionService: session.NewService(params.Config.SessionTTL, rdb),
		rateLimiter:    redis_rate.NewLimiter(rdb),
		trustedProxies: trustedProxies,
		location:       location,
		metricsStore:   collector.NewStore(rdb, params.Config.MetricsRetention),
		metricsManager: metricsManager,
		promRegistry:   promRegistry,
	}
	metricsManager.GaugeKnownUsers.Set(float64(s.credentials.Len()))
	log.Infof("loaded [%d] users from secrets file: %s", s.credentials.Len(), params.Config.SecretsPath)

	go s.cleanSessionsPeriodically(ctx, params.Config.SessionsCleanupInterval)

	if params.Config.CollectorApiURL != "" {
		tracedHttpClient := &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		}
		s.metricsCollector = collector.NewCollector(
			collector.NewApi(params.Config.CollectorApiURL, params.Config.ApiTokenPath, tracedHttpClient),
			s.metricsStore,
			location,
			params.Config.CollectDaysBack,
			params.Config.CollectRequestDelay,
			metricsManager,
		)
		go s.metricsCollector.RunPeriodically(ctx, params.Config.CollectInterval)
	} else {
		log.Warnln("collector api url not set, upstream metrics collection disabled")
	}

	if params.Config.WatchSecrets {
		go func() {
			if err := secrets.Watch(ctx, params.Config.SecretsPath, s.onSecretsChange); err != nil {
				log.Errorf("secrets watcher stopped: %s", err)
			}
		}()
	}

	return s, nil
}

func (s *Server) onSecretsChange(users map[string]string) {
	s.credentials.Replace(auth.NewCredentials(users))
	s.metricsManager.CounterSecretsReloads.Inc()
	s.metricsManager.GaugeKnownUsers.Set(float64(s.credentials.Len()))
	log.Infof("secrets reloaded, [%d] users", s.credentials.Len())
}

func (s *Server) cleanSessionsPeriodically(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		log.Warnln("sessions cleanup disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanSessions(ctx)
		}
	}
}

func (s *Server) cleanSessions(ctx context.Context) {
	removed := s.sessionService.ScanAndClean(ctx)
	count, err := s.sessionService.Count(ctx)
	if err != nil {
		log.Errorf("count sessions: %s", err)
		return
	}
	s.metricsManager.GaugeSessionsSet.Set(float64(count))
	log.Debugf("sessions cleanup: removed [%d], left [%d]", removed, count)
}

func (s *Server) routerSetup() *mux.Router {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware("dashgate-router"))

	dashboardHandler := dashboard.NewHandler(
		s.credentials,
		s.sessionService,
		s.metricsManager,
		s.config.ApiTokenPath,
		s.versionInfo,
		s.config.SecureCookies,
	)
	dashboardHandler.SetupRoutes(r, s.rateLimiter, s.config.LoginRateLimitAllowedPerMin, s.trustedProxies)

	var collectionRunner dashboard.CollectionRunner
	if s.metricsCollector != nil {
		collectionRunner = s.metricsCollector
	}
	dashboard.NewMetricsHandler(s.metricsStore, collectionRunner, s.location, s.config.SummaryTopN).SetupRoutes(r)

	// all the rest - unhandled paths
	r.HandleFunc("/{unknown}", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}).Methods("GET", "POST", "OPTIONS").Name("unknown")

	authMiddleware := middleware.NewAuthMiddlewareHandler(s.sessionService)

	r.Use(middleware.PanicRecovery(s.metricsManager))
	r.Use(middleware.LogRequest(s.trustedProxies))
	r.Use(middleware.RequestMetrics(s.metricsManager))
	r.Use(middleware.Cors(s.config.AllowedOrigins))
	r.Use(authMiddleware.AuthCheck())
	r.Use(middleware.DrainAndCloseRequest())

	return r
}

func (s *Server) Serve(host string, port int) {
	ipAndPort := net.JoinHostPort(host, strconv.Itoa(port))
	s.httpServer = &http.Server{
		Handler:      s.routerSetup(),
		Addr:         ipAndPort,
		WriteTimeout: time.Minute,
		ReadTimeout:  time.Minute,
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.InstrumentMetricHandler(
		s.promRegistry,
		promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}),
	))
	metricsAddr := net.JoinHostPort(s.config.PrometheusMetricsHost, s.config.PrometheusMetricsPort)
	s.metricsHttpServer = &http.Server{
		Addr:    metricsAddr,
		Handler: metricsRouter,
	}

	go func() {
		log.Infof(" > server listening on: [%s]", ipAndPort)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("main service, listen and serve: %s", err)
		}
	}()

	go func() {
		log.Debugf(" > metrics listening on: [%s]", metricsAddr)
		err := s.metricsHttpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("metrics service, listen and serve: %s", err)
		}
	}()

	s.metricsManager.GaugeLifeSignal.Set(1)
}

func (s *Server) GracefulShutdown() error {
	log.Debug("graceful shutdown initiated ...")

	s.metricsManager.GaugeLifeSignal.Set(0)

	maxWaitDuration := time.Second * 15
	ctx, timeoutCancel := context.WithTimeout(context.Background(), maxWaitDuration)
	defer timeoutCancel()

	var err error
	if s.httpServer != nil {
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown http server: %w", shutdownErr))
		}
		log.Warnln("server shut down")
	}

	if s.metricsHttpServer != nil {
		if shutdownErr := s.metricsHttpServer.Shutdown(ctx); shutdownErr != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown metrics http server: %w", shutdownErr))
		}
		log.Warnln("metrics server shut down")
	}

	if s.redisClient != nil {
		if closeErr := s.redisClient.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("close redis client: %w", closeErr))
		}
	}

	if ok := sentry.Flush(5 * time.Second); ok {
		log.Debugf("sentry flush ok: %t", ok)
	}

	return err
}
