// Package collector pulls per-flow exchange metrics from the upstream integration
// insights API hour by hour, keeps them in redis, rolls them up per day and
// summarizes them for the dashboard.
package collector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const unknownFlow = "unknown"

// upstream metric ids
const (
	metricTotalExchanges      = "total-exchanges"
	metricSuccessExchanges    = "successful-exchanges"
	metricFailedExchanges     = "failed-exchanges"
	metricInflightExchanges   = "inflight-exchanges"
	metricAvgResponseMillis   = "avg-response-time-millis"
	metricAvgProcessingMillis = "avg-processing-time-millis"
)

// FlowMetrics are the numbers of one flow for one period, an hour or a day.
type FlowMetrics struct {
	Period              time.Time `json:"period"`
	FlowID              string    `json:"flow_id"`
	FlowName            string    `json:"flow_name"`
	FlowState           string    `json:"flow_state"`
	TotalExchanges      float64   `json:"total_exchanges"`
	SuccessfulExchanges float64   `json:"successful_exchanges"`
	FailedExchanges     float64   `json:"failed_exchanges"`
	InflightExchanges   float64   `json:"inflight_exchanges"`
	AvgResponseTimeMs   float64   `json:"avg_response_time_ms"`
	AvgProcessingTimeMs float64   `json:"avg_processing_time_ms"`
	CollectedAt         time.Time `json:"collected_at"`
}

type apiRecord struct {
	FlowDetails struct {
		FlowID    string `json:"flowId"`
		FlowName  string `json:"flowName"`
		FlowState string `json:"flowState"`
	} `json:"flowDetails"`
	Metrics []struct {
		MetricID string  `json:"metricId"`
		Value    float64 `json:"value"`
	} `json:"metrics"`
}

func (r *apiRecord) toFlowMetrics(period, collectedAt time.Time) FlowMetrics {
	fm := FlowMetrics{
		Period:      period,
		FlowID:      r.FlowDetails.FlowID,
		FlowName:    r.FlowDetails.FlowName,
		FlowState:   r.FlowDetails.FlowState,
		CollectedAt: collectedAt,
	}
	if fm.FlowID == "" {
		fm.FlowID = unknownFlow
	}

	for _, m := range r.Metrics {
		switch m.MetricID {
		case metricTotalExchanges:
			fm.TotalExchanges = m.Value
		case metricSuccessExchanges:
			fm.SuccessfulExchanges = m.Value
		case metricFailedExchanges:
			fm.FailedExchanges = m.Value
		case metricInflightExchanges:
			fm.InflightExchanges = m.Value
		case metricAvgResponseMillis:
			fm.AvgResponseTimeMs = m.Value
		case metricAvgProcessingMillis:
			fm.AvgProcessingTimeMs = m.Value
		}
	}

	return fm
}

// parseApiResponse accepts either a single record object or a list of them.
func parseApiResponse(body []byte, period, collectedAt time.Time) ([]FlowMetrics, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}

	var records []apiRecord
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, fmt.Errorf("unmarshal metrics list: %w", err)
		}
	case '{':
		var record apiRecord
		if err := json.Unmarshal(body, &record); err != nil {
			return nil, fmt.Errorf("unmarshal metrics record: %w", err)
		}
		records = append(records, record)
	default:
		return nil, fmt.Errorf("unexpected metrics response: %.20q", body)
	}

	flows := make([]FlowMetrics, 0, len(records))
	for i := range records {
		flows = append(flows, records[i].toFlowMetrics(period, collectedAt))
	}
	return flows, nil
}
