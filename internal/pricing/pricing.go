// Package pricing turns catalog-joined cart lines into cart totals.
package pricing

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/utafrali/storecart/internal/domain"
)

// Calculator fills a zeroed summary from the cart lines.
type Calculator interface {
	Recalculate(ctx context.Context, summary domain.Summary, items []domain.LineItem) (domain.Summary, error)
}

// Local computes totals in process. Lines without a price count towards the
// item and product counts but not towards the amounts.
type Local struct{}

func (Local) Recalculate(_ context.Context, summary domain.Summary, items []domain.LineItem) (domain.Summary, error) {
	for _, it := range items {
		summary.ItemCount += it.Quantity
		summary.ProductCount++
		if it.Price == nil {
			continue
		}
		qty := int64(it.Quantity)
		summary.TotalAmount += it.Price.Amount * qty
		if cmp := it.Price.CompareAtAmount; cmp != nil && *cmp > it.Price.Amount {
			summary.DiscountAmount += (*cmp - it.Price.Amount) * qty
		}
	}
	return summary, nil
}

type jsonDoer interface {
	DoJSON(ctx context.Context, method, url string, in, out any) error
}

type totalsRequest struct {
	Summary domain.Summary    `json:"summary"`
	Items   []domain.LineItem `json:"items"`
}

type totalsResponse struct {
	Data domain.Summary `json:"data"`
}

// RemoteCalculator asks the pricing service for totals and falls back to the
// local computation when the service fails or its breaker is open.
type RemoteCalculator struct {
	client   jsonDoer
	url      string
	fallback Calculator
	logger   *slog.Logger
}

// NewRemoteCalculator creates a calculator posting to baseURL.
func NewRemoteCalculator(client jsonDoer, baseURL string, logger *slog.Logger) *RemoteCalculator {
	return &RemoteCalculator{
		client:   client,
		url:      strings.TrimRight(baseURL, "/") + "/api/v1/pricing/cart-totals",
		fallback: Local{},
		logger:   logger,
	}
}

func (c *RemoteCalculator) Recalculate(ctx context.Context, summary domain.Summary, items []domain.LineItem) (domain.Summary, error) {
	var resp totalsResponse
	err := c.client.DoJSON(ctx, http.MethodPost, c.url, totalsRequest{Summary: summary, Items: items}, &resp)
	if err != nil {
		c.logger.WarnContext(ctx, "pricing service unavailable, using local totals",
			slog.String("error", err.Error()),
		)
		return c.fallback.Recalculate(ctx, summary, items)
	}
	if resp.Data.Currency == "" {
		resp.Data.Currency = summary.Currency
	}
	return resp.Data, nil
}
