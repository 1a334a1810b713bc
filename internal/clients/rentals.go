package clients

import (
	"context"
	"net/http"

	"carrental/internal/config"
	"carrental/internal/rental"
)

// RentalStatsClient reads the rental service summary for the aggregator.
type RentalStatsClient struct {
	base
}

func NewRentalStatsClient(baseURL string, hc *http.Client, breaker config.BreakerConfig) *RentalStatsClient {
	return &RentalStatsClient{base: newBase("rentals", baseURL, hc, breaker)}
}

func (c *RentalStatsClient) Stats(ctx context.Context) (*rental.Stats, error) {
	var st rental.Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
