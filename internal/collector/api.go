package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/2beens/dashgate/internal/apitoken"
	"github.com/2beens/dashgate/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	apiTimeFormat       = "2006-01-02T15:04:05.000Z"
	maxApiResponseBytes = 16 * 1024 * 1024
)

var (
	ErrTokenExpired     = errors.New("api token expired")
	ErrUnexpectedStatus = errors.New("unexpected metrics api status")
)

type Api struct {
	apiURL     string
	tokenPath  string
	httpClient *http.Client
	now        func() time.Time
}

func NewApi(apiURL, tokenPath string, httpClient *http.Client) *Api {
	return &Api{
		apiURL:     apiURL,
		tokenPath:  tokenPath,
		httpClient: httpClient,
		now:        time.Now,
	}
}

func (a *Api) token() (string, error) {
	record, err := apitoken.Load(a.tokenPath)
	if err != nil {
		return "", err
	}
	if record.Expired(a.now()) {
		return "", fmt.Errorf("%w at %s", ErrTokenExpired, record.ExpiresAt.Format(time.RFC3339))
	}
	return record.Token, nil
}

// FetchHour returns the per-flow metrics of the hour starting at hour.
// The stored API token is read on every call, so a freshly pasted token is picked up.
func (a *Api) FetchHour(ctx context.Context, hour time.Time) (flows []FlowMetrics, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "collectorApi.fetchHour")
	defer span.End()
	defer func() {
		if err != nil {
			tracing.SpanError(span, "fetch-hour", err)
		} else {
			span.SetStatus(codes.Ok, fmt.Sprintf("fetched %d flows", len(flows)))
		}
	}()

	token, err := a.token()
	if err != nil {
		return nil, err
	}

	from := hour.UTC()
	to := hour.Add(time.Hour).UTC()
	span.SetAttributes(attribute.String("metrics.from", from.Format(apiTimeFormat)))

	params := url.Values{}
	params.Set("fromDatetimeInclusive", from.Format(apiTimeFormat))
	params.Set("toDatetimeExclusive", to.Format(apiTimeFormat))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("new metrics request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	log.Tracef("calling metrics api, from [%s] to [%s]", from.Format(apiTimeFormat), to.Format(apiTimeFormat))
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxApiResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read metrics api response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	return parseApiResponse(respBytes, hour, a.now().UTC())
}
