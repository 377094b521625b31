package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/carhud/obdtelemetry/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	PollRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_poll_requests_total",
		Help: "Total PID requests issued to the adapter.",
	})
	PollTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_poll_timeouts_total",
		Help: "Total PID requests that timed out waiting for a reply.",
	})
	ReadingsValid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_readings_valid_total",
		Help: "Total readings decoded to a valid value.",
	})
	ReadingsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_readings_invalid_total",
		Help: "Total readings recorded as invalid (NO DATA, timeout, malformed).",
	})
	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_decode_errors_total",
		Help: "Total adapter responses rejected by the codec.",
	})
	UnsupportedPIDs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_unsupported_pids_total",
		Help: "Total PIDs blacklisted for the session after the adapter reported them unavailable.",
	})
	LinkReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_link_reconnects_total",
		Help: "Total successful reconnects to the adapter.",
	})
	LinkState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "obd_link_state",
		Help: "Current link state (0=disconnected, 1=connecting, 2=connected, 3=degraded).",
	})
	DeliveredBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_hub_delivered_batches_total",
		Help: "Total reading batches pushed to subscribers.",
	})
	DroppedBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_hub_dropped_batches_total",
		Help: "Total reading batches dropped because a subscriber channel was full.",
	})
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "obd_hub_active_subscriptions",
		Help: "Current number of active subscriptions.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrLinkOpen    = "link_open"
	ErrLinkSend    = "link_send"
	ErrLinkReceive = "link_receive"
	ErrAdapterInit = "adapter_init"
	ErrDecodeLabel = "decode"
)

// StartHTTP serves Prometheus metrics at /metrics on the given address and a
// readiness probe at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localPollRequests    uint64
	localPollTimeouts    uint64
	localReadingsValid   uint64
	localReadingsInvalid uint64
	localDecodeErrors    uint64
	localUnsupported     uint64
	localReconnects      uint64
	localDelivered       uint64
	localDropped         uint64
	localSubscriptions   uint64
	localErrors          uint64
	localLinkState       uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	PollRequests    uint64
	PollTimeouts    uint64
	ReadingsValid   uint64
	ReadingsInvalid uint64
	DecodeErrors    uint64
	Unsupported     uint64
	Reconnects      uint64
	Delivered       uint64
	Dropped         uint64
	Subscriptions   uint64
	Errors          uint64 // sum across error labels
	LinkState       uint64
}

func Snap() Snapshot {
	return Snapshot{
		PollRequests:    atomic.LoadUint64(&localPollRequests),
		PollTimeouts:    atomic.LoadUint64(&localPollTimeouts),
		ReadingsValid:   atomic.LoadUint64(&localReadingsValid),
		ReadingsInvalid: atomic.LoadUint64(&localReadingsInvalid),
		DecodeErrors:    atomic.LoadUint64(&localDecodeErrors),
		Unsupported:     atomic.LoadUint64(&localUnsupported),
		Reconnects:      atomic.LoadUint64(&localReconnects),
		Delivered:       atomic.LoadUint64(&localDelivered),
		Dropped:         atomic.LoadUint64(&localDropped),
		Subscriptions:   atomic.LoadUint64(&localSubscriptions),
		Errors:          atomic.LoadUint64(&localErrors),
		LinkState:       atomic.LoadUint64(&localLinkState),
	}
}

// Wrapper helpers to keep call sites simple.
func IncPollRequest() {
	PollRequests.Inc()
	atomic.AddUint64(&localPollRequests, 1)
}

func IncPollTimeout() {
	PollTimeouts.Inc()
	atomic.AddUint64(&localPollTimeouts, 1)
}

func IncReadingValid() {
	ReadingsValid.Inc()
	atomic.AddUint64(&localReadingsValid, 1)
}

func IncReadingInvalid() {
	ReadingsInvalid.Inc()
	atomic.AddUint64(&localReadingsInvalid, 1)
}

func IncDecodeError() {
	DecodeErrors.Inc()
	atomic.AddUint64(&localDecodeErrors, 1)
}

func IncUnsupportedPID() {
	UnsupportedPIDs.Inc()
	atomic.AddUint64(&localUnsupported, 1)
}

func IncReconnect() {
	LinkReconnects.Inc()
	atomic.AddUint64(&localReconnects, 1)
}

func IncDelivered() {
	DeliveredBatches.Inc()
	atomic.AddUint64(&localDelivered, 1)
}

func IncDropped() {
	DroppedBatches.Inc()
	atomic.AddUint64(&localDropped, 1)
}

func SetSubscriptions(n int) {
	ActiveSubscriptions.Set(float64(n))
	atomic.StoreUint64(&localSubscriptions, uint64(n))
}

func SetLinkState(n int) {
	LinkState.Set(float64(n))
	atomic.StoreUint64(&localLinkState, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrLinkOpen, ErrLinkSend, ErrLinkReceive,
		ErrAdapterInit, ErrDecodeLabel,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
