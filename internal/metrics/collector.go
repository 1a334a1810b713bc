package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "carrental"

// Collector exports a fresh Snapshot on every scrape.
type Collector struct {
	agg     *Aggregator
	timeout time.Duration
	log     *slog.Logger

	up      *prometheus.Desc
	users   *prometheus.Desc
	cars    *prometheus.Desc
	avgRate *prometheus.Desc
	rentals *prometheus.Desc
	revenue *prometheus.Desc
}

func NewCollector(agg *Aggregator, timeout time.Duration, log *slog.Logger) *Collector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Collector{
		agg:     agg,
		timeout: timeout,
		log:     log,
		up: prometheus.NewDesc(namespace+"_summary_up",
			"Whether the last summary scrape reached every service.", nil, nil),
		users: prometheus.NewDesc(namespace+"_users",
			"Registered users.", nil, nil),
		cars: prometheus.NewDesc(namespace+"_cars",
			"Cars by status.", []string{"status"}, nil),
		avgRate: prometheus.NewDesc(namespace+"_cars_average_daily_rate_cents",
			"Average daily rate across the fleet.", nil, nil),
		rentals: prometheus.NewDesc(namespace+"_rentals",
			"Rentals by status.", []string{"status"}, nil),
		revenue: prometheus.NewDesc(namespace+"_revenue_cents",
			"Total of completed rentals.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.up, c.users, c.cars, c.avgRate, c.rentals, c.revenue} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	s, err := c.agg.Snapshot(ctx)
	if err != nil {
		c.log.Warn("metrics summary scrape failed", "error", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.users, prometheus.GaugeValue, float64(s.Users.Total))

	for status, n := range map[string]int64{
		"available":   s.Cars.Available,
		"rented":      s.Cars.Rented,
		"maintenance": s.Cars.Maintenance,
	} {
		ch <- prometheus.MustNewConstMetric(c.cars, prometheus.GaugeValue, float64(n), status)
	}
	ch <- prometheus.MustNewConstMetric(c.avgRate, prometheus.GaugeValue, float64(s.Cars.AverageDailyRateCents))

	for status, n := range map[string]int64{
		"pending":   s.Rentals.Pending,
		"active":    s.Rentals.Active,
		"completed": s.Rentals.Completed,
		"cancelled": s.Rentals.Cancelled,
	} {
		ch <- prometheus.MustNewConstMetric(c.rentals, prometheus.GaugeValue, float64(n), status)
	}
	ch <- prometheus.MustNewConstMetric(c.revenue, prometheus.GaugeValue, float64(s.Rentals.RevenueCents))
}
