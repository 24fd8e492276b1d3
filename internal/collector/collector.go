package collector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/2beens/dashgate/internal/apitoken"
	"github.com/2beens/dashgate/internal/telemetry/metrics"
	"github.com/2beens/dashgate/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// backgroundTimeout bounds a collection started with CollectInBackground.
const backgroundTimeout = time.Hour

var ErrCollectionRunning = errors.New("metrics collection already running")

type hourFetcher interface {
	FetchHour(ctx context.Context, hour time.Time) ([]FlowMetrics, error)
}

type metricsStore interface {
	SaveHour(ctx context.Context, hour time.Time, flows []FlowMetrics) error
	RollupDay(ctx context.Context, day time.Time) ([]FlowMetrics, error)
}

type Result struct {
	Hours           int `json:"hours"`
	SuccessfulHours int `json:"successful_hours"`
	Records         int `json:"records"`
	Days            int `json:"days"`
}

type Collector struct {
	api            hourFetcher
	store          metricsStore
	location       *time.Location
	daysBack       int
	requestDelay   time.Duration
	metricsManager *metrics.Manager
	running        atomic.Bool
	now            func() time.Time
}

func NewCollector(
	api hourFetcher,
	store metricsStore,
	location *time.Location,
	daysBack int,
	requestDelay time.Duration,
	metricsManager *metrics.Manager,
) *Collector {
	return &Collector{
		api:            api,
		store:          store,
		location:       location,
		daysBack:       daysBack,
		requestDelay:   requestDelay,
		metricsManager: metricsManager,
		now:            time.Now,
	}
}

func (c *Collector) Location() *time.Location {
	return c.location
}

func (c *Collector) Running() bool {
	return c.running.Load()
}

// HourlyRanges lists the local start of every hour from the first day's midnight up to the
// end of the last day, leaving out hours that have not started before now.
func HourlyRanges(from, to, now time.Time, loc *time.Location) []time.Time {
	end := DayStart(to, loc).AddDate(0, 0, 1)
	var hours []time.Time
	for hour := DayStart(from, loc); hour.Before(end); hour = hour.Add(time.Hour) {
		if !hour.Before(now) {
			break
		}
		hours = append(hours, hour.In(loc))
	}
	return hours
}

// Collect fetches every hour between the dates of from and to and rolls the touched days up.
// Hours that fail are logged and skipped; a missing or expired API token stops the run.
func (c *Collector) Collect(ctx context.Context, from, to time.Time) (*Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrCollectionRunning
	}
	defer c.running.Store(false)

	return c.collect(ctx, from, to)
}

// CollectInBackground starts Collect on its own goroutine and returns right away.
func (c *Collector) CollectInBackground(ctx context.Context, from, to time.Time) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrCollectionRunning
	}

	go func() {
		defer c.running.Store(false)
		ctx, cancel := context.WithTimeout(ctx, backgroundTimeout)
		defer cancel()
		if _, err := c.collect(ctx, from, to); err != nil {
			log.Errorf("background metrics collection: %s", err)
		}
	}()

	return nil
}

// CollectRecent collects today and the configured number of days before it.
func (c *Collector) CollectRecent(ctx context.Context) (*Result, error) {
	now := c.now().In(c.location)
	return c.Collect(ctx, now.AddDate(0, 0, -c.daysBack), now)
}

func (c *Collector) collect(ctx context.Context, from, to time.Time) (res *Result, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "collector.collect")
	defer span.End()
	defer func() {
		if err != nil {
			tracing.SpanError(span, "collect", err)
		} else {
			span.SetStatus(codes.Ok, fmt.Sprintf("collected %d/%d hours", res.SuccessfulHours, res.Hours))
		}
	}()

	hours := HourlyRanges(from, to, c.now(), c.location)
	res = &Result{Hours: len(hours)}
	span.SetAttributes(attribute.Int("collector.hours", len(hours)))
	log.Infof("metrics collection start, [%d] hours from [%s] to [%s]",
		len(hours), from.In(c.location).Format(DateLayout), to.In(c.location).Format(DateLayout))

	var days []time.Time
	for i, hour := range hours {
		if i > 0 && c.requestDelay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(c.requestDelay):
			}
		}

		day := DayStart(hour, c.location)
		if len(days) == 0 || !days[len(days)-1].Equal(day) {
			days = append(days, day)
		}

		flows, err := c.api.FetchHour(ctx, hour)
		if errors.Is(err, apitoken.ErrNoToken) || errors.Is(err, ErrTokenExpired) {
			c.countHour(metrics.CollectResultFailed)
			return res, fmt.Errorf("fetch hour %s: %w", hour.Format(time.RFC3339), err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			c.countHour(metrics.CollectResultFailed)
			log.Warnf("fetch metrics for hour [%s]: %s", hour.Format(time.RFC3339), err)
			continue
		}

		if err := c.store.SaveHour(ctx, hour, flows); err != nil {
			c.countHour(metrics.CollectResultFailed)
			log.Errorf("save metrics for hour [%s]: %s", hour.Format(time.RFC3339), err)
			continue
		}

		c.countHour(metrics.CollectResultOK)
		res.SuccessfulHours++
		res.Records += len(flows)
	}

	for _, day := range days {
		daily, err := c.store.RollupDay(ctx, day)
		if err != nil {
			return res, fmt.Errorf("rollup %s: %w", day.Format(DateLayout), err)
		}
		res.Days++
		log.Debugf("rolled up [%s], [%d] flows", day.Format(DateLayout), len(daily))
	}

	if c.metricsManager != nil {
		c.metricsManager.GaugeLastCollect.Set(float64(c.now().Unix()))
	}
	log.Infof("metrics collection done, hours [%d/%d], records [%d]", res.SuccessfulHours, res.Hours, res.Records)

	return res, nil
}

func (c *Collector) countHour(result string) {
	if c.metricsManager != nil {
		c.metricsManager.CounterCollectedHours.WithLabelValues(result).Inc()
	}
}

// RunPeriodically collects the recent days right away and then on every tick, until ctx is done.
func (c *Collector) RunPeriodically(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		log.Warnln("periodic metrics collection disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := c.CollectRecent(ctx); err != nil {
			log.Errorf("periodic metrics collection: %s", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
