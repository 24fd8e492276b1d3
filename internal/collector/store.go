package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

const (
	hourlyKeyPrefix = "dashgate-metrics-hourly||"
	dailyKeyPrefix  = "dashgate-metrics-daily||"

	DateLayout = "2006-01-02"
)

// Store keeps hourly and daily flow metrics in redis hashes, one hash per period
// with a field per flow id.
type Store struct {
	redisClient *redis.Client
	retention   time.Duration
}

func NewStore(redisClient *redis.Client, retention time.Duration) *Store {
	return &Store{
		redisClient: redisClient,
		retention:   retention,
	}
}

// hours are keyed in UTC, the repeated local hour on a DST switch stays distinct
func hourlyKey(hour time.Time) string {
	return hourlyKeyPrefix + hour.UTC().Format("2006-01-02T15")
}

func dailyKey(day time.Time) string {
	return dailyKeyPrefix + day.Format(DateLayout)
}

// DayStart is local midnight of t's date in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// replace overwrites the hash at key, so collecting the same period twice does not add it up twice.
func (s *Store) replace(ctx context.Context, key string, flows []FlowMetrics) error {
	fields := make([]interface{}, 0, 2*len(flows))
	for i := range flows {
		flowJson, err := json.Marshal(flows[i])
		if err != nil {
			return fmt.Errorf("marshal flow metrics %s: %w", flows[i].FlowID, err)
		}
		fields = append(fields, flows[i].FlowID, flowJson)
	}

	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields...)
			if s.retention > 0 {
				pipe.Expire(ctx, key, s.retention)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, key string) ([]FlowMetrics, error) {
	fields, err := s.redisClient.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	flows := make([]FlowMetrics, 0, len(fields))
	for flowID, flowJson := range fields {
		var fm FlowMetrics
		if err := json.Unmarshal([]byte(flowJson), &fm); err != nil {
			log.Errorf("bad flow metrics [%s] in %s: %s", flowID, key, err)
			continue
		}
		flows = append(flows, fm)
	}
	sort.Slice(flows, func(i, j int) bool {
		return flows[i].FlowID < flows[j].FlowID
	})

	return flows, nil
}

func (s *Store) SaveHour(ctx context.Context, hour time.Time, flows []FlowMetrics) error {
	return s.replace(ctx, hourlyKey(hour), flows)
}

func (s *Store) Hour(ctx context.Context, hour time.Time) ([]FlowMetrics, error) {
	return s.load(ctx, hourlyKey(hour))
}

func (s *Store) Day(ctx context.Context, day time.Time) ([]FlowMetrics, error) {
	return s.load(ctx, dailyKey(day))
}

// Days returns the daily rollups of every date from the date of from up to and including the date of to.
func (s *Store) Days(ctx context.Context, from, to time.Time) ([]FlowMetrics, error) {
	loc := from.Location()
	last := DayStart(to, loc)

	var all []FlowMetrics
	for day := DayStart(from, loc); !day.After(last); day = day.AddDate(0, 0, 1) {
		flows, err := s.Day(ctx, day)
		if err != nil {
			return nil, err
		}
		all = append(all, flows...)
	}
	return all, nil
}

// RollupDay aggregates the stored hours of day into the daily hash. Exchange counts are
// summed per flow, inflight and timing values are the mean of the hours the flow shows up in.
func (s *Store) RollupDay(ctx context.Context, day time.Time) ([]FlowMetrics, error) {
	day = DayStart(day, day.Location())
	next := day.AddDate(0, 0, 1)

	type acc struct {
		FlowMetrics
		hours int
	}
	byFlow := map[string]*acc{}
	for hour := day; hour.Before(next); hour = hour.Add(time.Hour) {
		flows, err := s.Hour(ctx, hour)
		if err != nil {
			return nil, err
		}
		for _, fm := range flows {
			a, ok := byFlow[fm.FlowID]
			if !ok {
				a = &acc{FlowMetrics: FlowMetrics{Period: day, FlowID: fm.FlowID}}
				byFlow[fm.FlowID] = a
			}
			// later hours win for the descriptive fields
			a.FlowName = fm.FlowName
			a.FlowState = fm.FlowState
			if fm.CollectedAt.After(a.CollectedAt) {
				a.CollectedAt = fm.CollectedAt
			}
			a.TotalExchanges += fm.TotalExchanges
			a.SuccessfulExchanges += fm.SuccessfulExchanges
			a.FailedExchanges += fm.FailedExchanges
			a.InflightExchanges += fm.InflightExchanges
			a.AvgResponseTimeMs += fm.AvgResponseTimeMs
			a.AvgProcessingTimeMs += fm.AvgProcessingTimeMs
			a.hours++
		}
	}

	daily := make([]FlowMetrics, 0, len(byFlow))
	for _, a := range byFlow {
		fm := a.FlowMetrics
		fm.InflightExchanges /= float64(a.hours)
		fm.AvgResponseTimeMs /= float64(a.hours)
		fm.AvgProcessingTimeMs /= float64(a.hours)
		daily = append(daily, fm)
	}
	sort.Slice(daily, func(i, j int) bool {
		return daily[i].FlowID < daily[j].FlowID
	})

	if err := s.replace(ctx, dailyKey(day), daily); err != nil {
		return nil, err
	}
	return daily, nil
}
