// Package metrics holds the ledger's Prometheus collectors. Amount gauges are
// float views of uint256 balances and are approximate; the stores hold the
// exact values.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stakeledger"

// unmatchedRoute labels requests gin could not route, keeping raw paths out
// of label values.
const unmatchedRoute = "unmatched"

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

// HTTP
var (
	HTTPRequestsTotal = counterVec("http_requests_total",
		"HTTP requests by method, route and status class.", "method", "route", "status")

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	RateLimitedTotal = counterVec("rate_limited_requests_total",
		"Requests rejected by the rate limiter, by key kind.", "kind")
)

// Ledger operations
var (
	// OperationsTotal is labelled with the operation name and either "ok"
	// or the error code returned to the client.
	OperationsTotal = counterVec("operations_total",
		"Ledger operations by operation and outcome.", "operation", "outcome")

	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Ledger operation latency including lock wait and store commit.",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"operation"})

	RewardsClaimedUnits = counter("rewards_claimed_units_total", "Reward units paid out by claims (approximate).")
	RateChangesTotal    = counter("rate_changes_total", "Reward rate entries appended after genesis.")
)

// Ledger state, refreshed by the monitor
var (
	ItemsStaked       = gauge("items_staked", "Items in custody that are accruing rewards.")
	ItemsUnbonding    = gauge("items_unbonding", "Items in custody waiting out the unbonding period.")
	ItemsWithdrawable = gauge("items_withdrawable", "Unbonding items whose unbonding period has elapsed.")
	CurrentRewardRate = gauge("reward_rate_per_tick", "Reward units per tick per item at the current tick (approximate).")
	CurrentTick       = gauge("current_tick", "Latest tick observed by the ledger clock.")
	LedgerPaused      = gauge("paused", "1 when stake, unstake and claim are paused.")
	RewardPoolBalance = gauge("reward_pool_balance_units", "Reward units available for payout (approximate).")
)

// Realtime
var (
	ActiveWebSocketClients = gauge("active_websocket_clients", "Connected WebSocket clients.")
	WebSocketDroppedEvents = counterVec("websocket_dropped_events_total",
		"Ledger events not delivered over WebSocket, by reason.", "reason")
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, RateLimitedTotal,
		OperationsTotal, OperationDuration, RewardsClaimedUnits, RateChangesTotal,
		ItemsStaked, ItemsUnbonding, ItemsWithdrawable,
		CurrentRewardRate, CurrentTick, LedgerPaused, RewardPoolBalance,
		ActiveWebSocketClients, WebSocketDroppedEvents,
	)
}

// RegisterDB exports db's connection pool statistics. Registering the same
// pool again is a no-op.
func RegisterDB(db *sql.DB) error {
	return registerOnce(prometheus.DefaultRegisterer, collectors.NewDBStatsCollector(db, namespace))
}

func registerOnce(reg prometheus.Registerer, c prometheus.Collector) error {
	err := reg.Register(c)
	if are := (prometheus.AlreadyRegisteredError{}); errors.As(err, &are) {
		return nil
	}
	return err
}

// ObserveOperation records one ledger operation.
func ObserveOperation(operation, outcome string, started time.Time) {
	OperationsTotal.WithLabelValues(operation, outcome).Inc()
	OperationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// Middleware records request counts and latency under the route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// statusClass maps 404 to "4xx".
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
