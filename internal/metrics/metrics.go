// Package metrics defines the process-wide Prometheus counters (§6) and the tiny HTTP listener
// that serves /metrics and /healthz (§4.14), following the teacher's prometheus.NewCounter /
// MustRegister style (proxy/metrics.go) but scoped to an explicit *prometheus.Registry per
// process instead of the global default registry, since the Intermediate and Connector binaries
// never share a process.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "ztna"

// Intermediate holds the Intermediate's counters (§6).
type Intermediate struct {
	registry                  *prometheus.Registry
	ActiveConnections         prometheus.Gauge
	RelayBytesTotal           prometheus.Counter
	RegistrationsTotal        prometheus.Counter
	RegistrationRejections    prometheus.Counter
	DatagramsRelayedTotal     prometheus.Counter
	SignalingSessionsTotal    prometheus.Counter
	// RetryTokensValidated and RetryTokenFailures are part of the documented external metrics
	// surface (§6), but quic-go's VerifySourceAddress hook only decides whether to force a Retry —
	// it never reports back whether a client's returning token actually validated, so neither
	// counter is incremented on this build (see DESIGN.md). RetryRequiredTotal below is the
	// accurately-named counter for the event this process can actually observe.
	RetryTokensValidated      prometheus.Counter
	RetryTokenFailures        prometheus.Counter
	RetryRequiredTotal        prometheus.Counter
	UptimeSeconds             prometheus.GaugeFunc
	WireDecodeErrors          prometheus.Counter
	UnknownFrameType          prometheus.Counter
	OutboundDatagramsDropped  prometheus.Counter
}

// NewIntermediate builds and registers the Intermediate's counters.
func NewIntermediate(startedAt time.Time) *Intermediate {
	reg := prometheus.NewRegistry()
	m := &Intermediate{
		registry: reg,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_connections", Help: "Currently connected Agents and Connectors.",
		}),
		RelayBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_bytes_total", Help: "Bytes relayed through the Intermediate.",
		}),
		RegistrationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "registrations_total", Help: "Successful service registrations.",
		}),
		RegistrationRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "registration_rejections_total", Help: "Rejected service registrations.",
		}),
		DatagramsRelayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "datagrams_relayed_total", Help: "Service-routed DATAGRAMs relayed.",
		}),
		SignalingSessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "signaling_sessions_total", Help: "Signalling sessions created.",
		}),
		RetryTokensValidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retry_tokens_validated", Help: "Stateless retry tokens that validated successfully.",
		}),
		RetryTokenFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retry_token_failures", Help: "Stateless retry tokens that failed validation.",
		}),
		RetryRequiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retry_required_total", Help: "New connection attempts that were made to complete a stateless Retry round trip before any per-connection state was committed.",
		}),
		WireDecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "wire_decode_errors", Help: "Frames dropped for failing to decode.",
		}),
		UnknownFrameType: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "unknown_frame_type", Help: "Datagrams dropped for an unrecognized type byte.",
		}),
		OutboundDatagramsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbound_datagrams_dropped_total", Help: "Outbound datagrams dropped as the oldest entry in a full per-connection send queue.",
		}),
	}
	m.UptimeSeconds = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "uptime_seconds", Help: "Seconds since process start.",
	}, func() float64 { return time.Since(startedAt).Seconds() })

	reg.MustRegister(
		m.ActiveConnections, m.RelayBytesTotal, m.RegistrationsTotal, m.RegistrationRejections,
		m.DatagramsRelayedTotal, m.SignalingSessionsTotal, m.RetryTokensValidated, m.RetryTokenFailures,
		m.RetryRequiredTotal, m.UptimeSeconds, m.WireDecodeErrors, m.UnknownFrameType,
		m.OutboundDatagramsDropped,
	)
	return m
}

// Connector holds the Connector's counters (§6; UnsupportedProtoTotal and UnknownSourceTotal
// correspond to the `unsupported_proto` and `unknown_source` counters named in prose at §4.10-§4.11).
type Connector struct {
	registry              *prometheus.Registry
	ForwardedPacketsTotal prometheus.Counter
	ForwardedBytesTotal   prometheus.Counter
	TCPSessionsTotal      prometheus.Counter
	TCPErrorsTotal        prometheus.Counter
	ReconnectionsTotal    prometheus.Counter
	UnsupportedProtoTotal prometheus.Counter
	UnknownSourceTotal    prometheus.Counter
	OutboundDatagramsDropped prometheus.Counter
	UptimeSeconds         prometheus.GaugeFunc
}

// NewConnector builds and registers the Connector's counters.
func NewConnector(startedAt time.Time) *Connector {
	reg := prometheus.NewRegistry()
	m := &Connector{
		registry: reg,
		ForwardedPacketsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "forwarded_packets_total", Help: "Packets forwarded to a backend.",
		}),
		ForwardedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "forwarded_bytes_total", Help: "Bytes forwarded to a backend.",
		}),
		TCPSessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tcp_sessions_total", Help: "TCP sessions opened to a backend.",
		}),
		TCPErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tcp_errors_total", Help: "TCP proxy errors.",
		}),
		ReconnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnections_total", Help: "Successful reconnects to the Intermediate.",
		}),
		UnsupportedProtoTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "unsupported_proto_total", Help: "Service-routed packets dropped for an unsupported IP protocol.",
		}),
		UnknownSourceTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "unknown_source_total", Help: "Direct peer connections closed because the peer certificate names no service this Connector serves; stray inbound UDP packets are not counted.",
		}),
		OutboundDatagramsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbound_datagrams_dropped_total", Help: "Outbound datagrams dropped as the oldest entry in a full per-connection send queue.",
		}),
	}
	m.UptimeSeconds = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "uptime_seconds", Help: "Seconds since process start.",
	}, func() float64 { return time.Since(startedAt).Seconds() })

	reg.MustRegister(
		m.ForwardedPacketsTotal, m.ForwardedBytesTotal, m.TCPSessionsTotal, m.TCPErrorsTotal,
		m.ReconnectionsTotal, m.UnsupportedProtoTotal, m.UnknownSourceTotal, m.OutboundDatagramsDropped,
		m.UptimeSeconds,
	)
	return m
}

// registryOf is implemented by both Intermediate and Connector so Serve can stay generic.
type registryOf interface {
	reg() *prometheus.Registry
}

func (m *Intermediate) reg() *prometheus.Registry { return m.registry }
func (m *Connector) reg() *prometheus.Registry     { return m.registry }

// Serve runs the /metrics and /healthz HTTP listener on a dedicated goroutine until ctx is
// cancelled (§4.14: "must not compete with the QUIC event loop for blocking I/O"). port == 0
// disables the listener entirely.
func Serve(ctx context.Context, port int, m registryOf, log *zerolog.Logger) error {
	if port == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("metrics: listen on port %d: %w", port, err)
	}
	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		log.Error().Err(err).Msg("metrics listener stopped")
		return err
	}
}
