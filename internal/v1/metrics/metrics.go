package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the messaging presence layer.
//
// Naming convention: namespace_subsystem_name
// - namespace: callkit
// - subsystem: messaging, mute, token, bus, ratelimit
// - name: specific metric (status, messages_total, etc.)

var (
	// MessagingStatus exposes the numeric messaging session status (Gauge - current state)
	MessagingStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callkit",
		Subsystem: "messaging",
		Name:      "status",
		Help:      "Current messaging session status (0=offline 1=initializing 2=loggingIn 3=loggedIn 4=connected 5=loginFailed 6=initFailed)",
	})

	// JoinedChannels tracks how many messaging channels are currently joined
	JoinedChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callkit",
		Subsystem: "messaging",
		Name:      "channels_joined",
		Help:      "Current number of joined messaging channels",
	})

	// LoginAttempts counts login attempts by result
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callkit",
		Subsystem: "messaging",
		Name:      "login_attempts_total",
		Help:      "Total messaging login attempts",
	}, []string{"status"})

	// MessagesSent counts outbound envelope messages by kind, target and status
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callkit",
		Subsystem: "messaging",
		Name:      "messages_sent_total",
		Help:      "Total messages sent to channels or peers",
	}, []string{"kind", "target", "status"})

	// MessagesReceived counts inbound messages by decoded kind
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callkit",
		Subsystem: "messaging",
		Name:      "messages_received_total",
		Help:      "Total messages received, by decoded kind",
	}, []string{"kind"})

	// KnownPeers tracks the size of the presence directory
	KnownPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "callkit",
		Subsystem: "presence",
		Name:      "peers_known",
		Help:      "Number of peers with a cached identity",
	})

	// MuteRequests counts mute negotiation events
	MuteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callkit",
		Subsystem: "mute",
		Name:      "requests_total",
		Help:      "Mute requests by direction and outcome",
	}, []string{"direction", "outcome"})

	// TokenFetchDuration tracks latency of token endpoint calls
	TokenFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "callkit",
		Subsystem: "token",
		Name:      "fetch_seconds",
		Help:      "Time spent fetching tokens from the token endpoint",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"kind", "status"})

	// TokensIssued counts tokens issued by the token server
	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callkit",
		Subsystem: "token",
		Name:      "issued_total",
		Help:      "Tokens issued by the token server",
	}, []string{"kind"})

	// CircuitBreakerState exposes breaker state (0=closed 1=open 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "callkit",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per dependency",
	}, []string{"name"})

	// CircuitBreakerFailures counts calls rejected by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callkit",
		Subsystem: "bus",
		Name:      "circuit_breaker_rejections_total",
		Help:      "Calls rejected because the circuit breaker was open",
	}, []string{"name"})

	// RateLimitExceeded counts rejected token requests
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callkit",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"path", "limit_type"})

	// RateLimitRequests counts requests admitted by the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "callkit",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests admitted by the rate limiter",
	}, []string{"path"})
)

// SendStatus returns the label used for a send outcome.
func SendStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
