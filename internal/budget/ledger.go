package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// HTTPLedger queries a cost ledger service over HTTP. The endpoint is
// expected to return root-level trace costs for the given project scope:
//
//	GET {base}/v1/costs/monthly?project={scope}
//	200 {"monthly_cost": 42.17}
type HTTPLedger struct {
	logger  *zap.Logger
	baseURL string
	client  *http.Client
}

// NewHTTPLedger creates a ledger client for the given base URL.
func NewHTTPLedger(baseURL string, logger *zap.Logger) *HTTPLedger {
	return &HTTPLedger{
		logger:  logger.Named("ledger"),
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// QueryMonthlyCost implements Ledger.
func (l *HTTPLedger) QueryMonthlyCost(ctx context.Context, projectScope string) (float64, error) {
	endpoint := fmt.Sprintf("%s/v1/costs/monthly?project=%s", l.baseURL, url.QueryEscape(projectScope))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build ledger request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("ledger returned status %d", resp.StatusCode)
	}

	var body struct {
		MonthlyCost float64 `json:"monthly_cost"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("failed to decode ledger response: %w", err)
	}

	l.logger.Debug("Fetched monthly cost",
		zap.String("project", projectScope),
		zap.Float64("monthly_cost", body.MonthlyCost))

	return body.MonthlyCost, nil
}
