// Package metrics provides Prometheus instrumentation for the sync daemon:
// channel state and reconnects, event throughput, unread total, history
// errors and daemon API calls.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Numeric values reported by the connection state gauge.
const (
	StateDisconnected = 0
	StateConnecting   = 1
	StateConnected    = 2
	StateReconnecting = 3
	StateFailed       = 4
)

var (
	connectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_connection_state",
		Help: "Channel state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 failed.",
	})
	reconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_reconnect_attempts_total",
		Help: "Total number of channel reconnect attempts.",
	})
	inboundEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_inbound_events_total",
		Help: "Total number of channel events received.",
	}, []string{"type"})
	outboundEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_outbound_events_total",
		Help: "Total number of channel events sent.",
	}, []string{"type"})
	unreadTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_unread_total",
		Help: "Current global unread counter.",
	})
	historyErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_history_errors_total",
		Help: "Total number of failed history fetches.",
	}, []string{"endpoint"})
	apiHandledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_api_handled_total",
		Help: "Total number of daemon API calls handled.",
	}, []string{"method", "code"})
)

func init() {
	prometheus.MustRegister(
		connectionState,
		reconnectAttempts,
		inboundEvents,
		outboundEvents,
		unreadTotal,
		historyErrors,
		apiHandledTotal,
	)
}

func SetConnectionState(v int) { connectionState.Set(float64(v)) }

func IncReconnectAttempt() { reconnectAttempts.Inc() }

func IncInbound(eventType string) { inboundEvents.WithLabelValues(eventType).Inc() }

func IncOutbound(eventType string) { outboundEvents.WithLabelValues(eventType).Inc() }

func SetUnreadTotal(n int) { unreadTotal.Set(float64(n)) }

func IncHistoryError(endpoint string) { historyErrors.WithLabelValues(endpoint).Inc() }

// UnaryServerInterceptor counts daemon API calls by method and status code.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		apiHandledTotal.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		return resp, err
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer builds the HTTP server exposing /metrics on addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
