package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reservePort asks the OS for a free TCP port by binding to :0; the caller closes the listener
// before Serve rebinds the same port, matching how the teacher's own metrics tests pick a port.
func reservePort(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func waitForListener(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("metrics listener never came up")
}

func TestNewIntermediateCountersStartAtZero(t *testing.T) {
	m := NewIntermediate(time.Now())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.RelayBytesTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.RegistrationsTotal))

	m.RegistrationsTotal.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RegistrationsTotal))
}

func TestNewConnectorCountersStartAtZero(t *testing.T) {
	m := NewConnector(time.Now())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ForwardedPacketsTotal))

	m.ForwardedPacketsTotal.Add(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ForwardedPacketsTotal))
}

func TestUptimeSecondsIncreasesOverTime(t *testing.T) {
	m := NewIntermediate(time.Now().Add(-time.Minute))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.UptimeSeconds), 59.0)
}

func TestServeZeroPortIsNoop(t *testing.T) {
	m := NewIntermediate(time.Now())
	log := zerolog.Nop()
	err := Serve(context.Background(), 0, m, &log)
	assert.NoError(t, err)
}

func TestServeExposesMetricsAndHealthz(t *testing.T) {
	m := NewConnector(time.Now())
	log := zerolog.Nop()

	ln, port := reservePort(t)
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, port, m, &log) }()

	waitForListener(t, port)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp2, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", port))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not shut down after context cancellation")
	}
}
