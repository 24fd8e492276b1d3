package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2beens/dashgate/internal/collector"
	"github.com/2beens/dashgate/internal/session"
	"github.com/2beens/dashgate/internal/telemetry/tracing"
	"github.com/2beens/dashgate/pkg"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultSummaryDays  = 7
	maxSummaryDays      = 366
	maxCollectDays      = 31
	maxSummaryTopN      = 100
	maxCollectBodyBytes = 1024
)

type summarySource interface {
	Days(ctx context.Context, from, to time.Time) ([]collector.FlowMetrics, error)
}

type CollectionRunner interface {
	CollectInBackground(ctx context.Context, from, to time.Time) error
	Running() bool
}

type CollectRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type CollectStatus struct {
	Enabled bool `json:"enabled"`
	Running bool `json:"running"`
}

// MetricsHandler serves the collected upstream metrics. collector may be nil when
// collection is not configured, the summary still works off what redis holds.
type MetricsHandler struct {
	store     summarySource
	collector CollectionRunner
	location  *time.Location
	topN      int
	now       func() time.Time
}

func NewMetricsHandler(
	store summarySource,
	runner CollectionRunner,
	location *time.Location,
	topN int,
) *MetricsHandler {
	return &MetricsHandler{
		store:     store,
		collector: runner,
		location:  location,
		topN:      topN,
		now:       time.Now,
	}
}

func (handler *MetricsHandler) SetupRoutes(mainRouter *mux.Router) {
	mainRouter.HandleFunc("/metrics/summary", handler.handleSummary).Methods("GET").Name("metrics-summary")
	mainRouter.HandleFunc("/metrics/collect", handler.handleCollectStatus).Methods("GET").Name("metrics-collect-status")
	mainRouter.HandleFunc("/metrics/collect", handler.handleCollect).Methods("POST").Name("metrics-collect")
}

func (handler *MetricsHandler) parseDate(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return collector.DayStart(fallback, handler.location), nil
	}
	return time.ParseInLocation(collector.DateLayout, value, handler.location)
}

// dateRange reads from/to dates, to defaults to today and from to defaultDays before it.
func (handler *MetricsHandler) dateRange(fromValue, toValue string, defaultDays, maxDays int) (time.Time, time.Time, error) {
	to, err := handler.parseDate(toValue, handler.now())
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("invalid to date, expected YYYY-MM-DD")
	}
	from, err := handler.parseDate(fromValue, to.AddDate(0, 0, -(defaultDays - 1)))
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("invalid from date, expected YYYY-MM-DD")
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, errors.New("from date is after to date")
	}
	if from.AddDate(0, 0, maxDays).Before(to.AddDate(0, 0, 1)) {
		return time.Time{}, time.Time{}, errors.New("date range too long, max days: " + strconv.Itoa(maxDays))
	}
	return from, to, nil
}

func (handler *MetricsHandler) handleSummary(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "metricsHandler.summary")
	defer span.End()

	from, to, err := handler.dateRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"), defaultSummaryDays, maxSummaryDays)
	if err != nil {
		span.SetStatus(codes.Error, "bad-range")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	topN := handler.topN
	if topParam := r.URL.Query().Get("top"); topParam != "" {
		topN, err = strconv.Atoi(topParam)
		if err != nil || topN < 1 || topN > maxSummaryTopN {
			span.SetStatus(codes.Error, "bad-top")
			http.Error(w, "invalid top, expected 1-"+strconv.Itoa(maxSummaryTopN), http.StatusBadRequest)
			return
		}
	}
	span.SetAttributes(
		attribute.String("metrics.from", from.Format(collector.DateLayout)),
		attribute.String("metrics.to", to.Format(collector.DateLayout)),
	)

	records, err := handler.store.Days(ctx, from, to)
	if err != nil {
		log.Errorf("metrics summary, load days: %s", err)
		tracing.SpanError(span, "load-days", err)
		http.Error(w, "metrics summary error", http.StatusInternalServerError)
		return
	}

	summary := collector.Summarize(records, topN)
	summary.From = from.Format(collector.DateLayout)
	summary.To = to.Format(collector.DateLayout)

	respJson, err := json.Marshal(summary)
	if err != nil {
		log.Errorf("metrics summary, marshal response: %s", err)
		http.Error(w, "metrics summary error", http.StatusInternalServerError)
		return
	}

	span.SetStatus(codes.Ok, "ok")
	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, respJson)
}

func (handler *MetricsHandler) writeCollectStatus(w http.ResponseWriter, statusCode int) {
	status := CollectStatus{Enabled: handler.collector != nil}
	if handler.collector != nil {
		status.Running = handler.collector.Running()
	}
	respJson, err := json.Marshal(status)
	if err != nil {
		log.Errorf("collect status, marshal response: %s", err)
		http.Error(w, "collect status error", http.StatusInternalServerError)
		return
	}
	pkg.WriteResponseBytes(w, pkg.ContentType.JSON, respJson, statusCode)
}

func (handler *MetricsHandler) handleCollectStatus(w http.ResponseWriter, _ *http.Request) {
	handler.writeCollectStatus(w, http.StatusOK)
}

func (handler *MetricsHandler) handleCollect(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "metricsHandler.collect")
	defer span.End()

	if handler.collector == nil {
		span.SetStatus(codes.Error, "disabled")
		http.Error(w, "metrics collection not configured", http.StatusServiceUnavailable)
		return
	}

	var req CollectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCollectBodyBytes)).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "bad-request")
		http.Error(w, "invalid collect request", http.StatusBadRequest)
		return
	}

	from, to, err := handler.dateRange(req.From, req.To, 1, maxCollectDays)
	if err != nil {
		span.SetStatus(codes.Error, "bad-range")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// the collection outlives this request
	if err := handler.collector.CollectInBackground(context.WithoutCancel(ctx), from, to); err != nil {
		if errors.Is(err, collector.ErrCollectionRunning) {
			span.SetStatus(codes.Error, "running")
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		log.Errorf("start metrics collection: %s", err)
		tracing.SpanError(span, "start-collect", err)
		http.Error(w, "start collection error", http.StatusInternalServerError)
		return
	}
	if sess, ok := session.FromContext(r.Context()); ok {
		log.Infof("metrics collection [%s - %s] started by [%s]",
			from.Format(collector.DateLayout), to.Format(collector.DateLayout), sess.Username)
	}
	span.SetStatus(codes.Ok, "started")
	handler.writeCollectStatus(w, http.StatusAccepted)
}
