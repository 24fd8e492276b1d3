package collector

import (
	"sort"
)

type FlowVolume struct {
	FlowID              string  `json:"flow_id"`
	FlowName            string  `json:"flow_name"`
	TotalExchanges      float64 `json:"total_exchanges"`
	SuccessfulExchanges float64 `json:"successful_exchanges"`
	FailedExchanges     float64 `json:"failed_exchanges"`
}

type FlowResponseTime struct {
	FlowID            string  `json:"flow_id"`
	FlowName          string  `json:"flow_name"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	TotalExchanges    float64 `json:"total_exchanges"`
}

type DayTotals struct {
	Date                string  `json:"date"`
	TotalExchanges      float64 `json:"total_exchanges"`
	SuccessfulExchanges float64 `json:"successful_exchanges"`
	FailedExchanges     float64 `json:"failed_exchanges"`
}

type Summary struct {
	From                string             `json:"from"`
	To                  string             `json:"to"`
	TotalFlows          int                `json:"total_flows"`
	TotalExchanges      float64            `json:"total_exchanges"`
	SuccessfulExchanges float64            `json:"successful_exchanges"`
	FailedExchanges     float64            `json:"failed_exchanges"`
	SuccessRate         float64            `json:"success_rate"`
	TopByVolume         []FlowVolume       `json:"top_by_volume"`
	TopByResponseTime   []FlowResponseTime `json:"top_by_response_time"`
	Days                []DayTotals        `json:"days"`
}

// Summarize builds the dashboard overview from daily (or hourly) flow metrics.
// SuccessRate is a percentage, zero when nothing was exchanged. The response time
// ranking only considers records that reported a response time.
func Summarize(records []FlowMetrics, topN int) Summary {
	summary := Summary{
		TopByVolume:       []FlowVolume{},
		TopByResponseTime: []FlowResponseTime{},
		Days:              []DayTotals{},
	}

	volumes := map[string]*FlowVolume{}
	type respAcc struct {
		FlowResponseTime
		samples int
	}
	respTimes := map[string]*respAcc{}
	days := map[string]*DayTotals{}

	for _, fm := range records {
		summary.TotalExchanges += fm.TotalExchanges
		summary.SuccessfulExchanges += fm.SuccessfulExchanges
		summary.FailedExchanges += fm.FailedExchanges

		v, ok := volumes[fm.FlowID]
		if !ok {
			v = &FlowVolume{FlowID: fm.FlowID}
			volumes[fm.FlowID] = v
		}
		if fm.FlowName != "" {
			v.FlowName = fm.FlowName
		}
		v.TotalExchanges += fm.TotalExchanges
		v.SuccessfulExchanges += fm.SuccessfulExchanges
		v.FailedExchanges += fm.FailedExchanges

		if fm.AvgResponseTimeMs > 0 {
			r, ok := respTimes[fm.FlowID]
			if !ok {
				r = &respAcc{FlowResponseTime: FlowResponseTime{FlowID: fm.FlowID}}
				respTimes[fm.FlowID] = r
			}
			if fm.FlowName != "" {
				r.FlowName = fm.FlowName
			}
			r.AvgResponseTimeMs += fm.AvgResponseTimeMs
			r.TotalExchanges += fm.TotalExchanges
			r.samples++
		}

		date := fm.Period.Format(DateLayout)
		d, ok := days[date]
		if !ok {
			d = &DayTotals{Date: date}
			days[date] = d
		}
		d.TotalExchanges += fm.TotalExchanges
		d.SuccessfulExchanges += fm.SuccessfulExchanges
		d.FailedExchanges += fm.FailedExchanges
	}

	summary.TotalFlows = len(volumes)
	if summary.TotalExchanges > 0 {
		summary.SuccessRate = summary.SuccessfulExchanges / summary.TotalExchanges * 100
	}

	for _, v := range volumes {
		summary.TopByVolume = append(summary.TopByVolume, *v)
	}
	sort.Slice(summary.TopByVolume, func(i, j int) bool {
		a, b := summary.TopByVolume[i], summary.TopByVolume[j]
		if a.TotalExchanges != b.TotalExchanges {
			return a.TotalExchanges > b.TotalExchanges
		}
		return a.FlowID < b.FlowID
	})

	for _, r := range respTimes {
		rt := r.FlowResponseTime
		rt.AvgResponseTimeMs /= float64(r.samples)
		summary.TopByResponseTime = append(summary.TopByResponseTime, rt)
	}
	sort.Slice(summary.TopByResponseTime, func(i, j int) bool {
		a, b := summary.TopByResponseTime[i], summary.TopByResponseTime[j]
		if a.AvgResponseTimeMs != b.AvgResponseTimeMs {
			return a.AvgResponseTimeMs > b.AvgResponseTimeMs
		}
		return a.FlowID < b.FlowID
	})

	if topN > 0 {
		if len(summary.TopByVolume) > topN {
			summary.TopByVolume = summary.TopByVolume[:topN]
		}
		if len(summary.TopByResponseTime) > topN {
			summary.TopByResponseTime = summary.TopByResponseTime[:topN]
		}
	}

	for _, d := range days {
		summary.Days = append(summary.Days, *d)
	}
	sort.Slice(summary.Days, func(i, j int) bool {
		return summary.Days[i].Date < summary.Days[j].Date
	})

	return summary
}
