package pollnet

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "pollnet"

// connMetrics holds the Prometheus collectors of one dispatcher.
type connMetrics struct {
	opened        *prometheus.CounterVec
	closed        *prometheus.CounterVec
	active        prometheus.Gauge
	framesDecoded prometheus.Counter
	framesEncoded prometheus.Counter
	bytesRead     prometheus.Counter
	bytesWritten  prometheus.Counter
}

// newConnMetrics builds the collectors and registers them with r when r is
// not nil. Collectors already registered by another dispatcher are shared;
// any other registration failure is returned.
func newConnMetrics(r prometheus.Registerer) (*connMetrics, error) {
	g := &registrar{r: r}
	m := &connMetrics{
		opened: register(g, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_opened_total",
			Help:      "Connections accepted or dialed, by role.",
		}, []string{"role"})),
		closed: register(g, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_closed_total",
			Help:      "Connections closed, by reason.",
		}, []string{"reason"})),
		active: register(g, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Connections currently registered with a dispatcher.",
		})),
		framesDecoded: register(g, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_decoded_total",
			Help:      "Complete frames decoded from peers.",
		})),
		framesEncoded: register(g, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_encoded_total",
			Help:      "Frames queued for sending.",
		})),
		bytesRead: register(g, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "read_bytes_total",
			Help:      "Bytes read from sockets.",
		})),
		bytesWritten: register(g, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "written_bytes_total",
			Help:      "Bytes accepted by sockets.",
		})),
	}
	if g.err != nil {
		return nil, g.err
	}
	return m, nil
}

// registrar remembers the first registration failure.
type registrar struct {
	r   prometheus.Registerer
	err error
}

func register[C prometheus.Collector](g *registrar, c C) C {
	if g.r == nil || g.err != nil {
		return c
	}
	if err := g.r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		g.err = errors.Wrap(err, "register metrics")
	}
	return c
}

// closeReason maps the error that closed a connection to a metric label.
func closeReason(err error) string {
	var (
		decodeErr *DecodeError
		ioErr     *IOError
	)
	switch {
	case err == nil:
		return "complete"
	case errors.Is(err, ErrPeerClosed):
		return "peer_closed"
	case errors.Is(err, ErrMissingHeaderField):
		return "missing_header_field"
	case errors.As(err, &decodeErr):
		return "decode_error"
	case errors.Is(err, ErrMessageTooLarge):
		return "message_too_large"
	case errors.Is(err, ErrIdleTimeout):
		return "idle_timeout"
	case errors.Is(err, ErrConnectionClosed):
		return "shutdown"
	case errors.As(err, &ioErr):
		return "io_error"
	default:
		return "error"
	}
}
