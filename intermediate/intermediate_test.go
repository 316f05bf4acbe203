package intermediate

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfyeomans/ztna-core/internal/config"
	"github.com/hfyeomans/ztna-core/internal/metrics"
	"github.com/hfyeomans/ztna-core/internal/ratelimit"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	log := zerolog.Nop()
	_, err := New(config.Intermediate{}, &log)
	assert.Error(t, err)
}

func TestNetAddrDefaultsEmptyBindAddrToAllInterfaces(t *testing.T) {
	assert.Equal(t, "0.0.0.0:8443", netAddr("", 8443))
	assert.Equal(t, "10.0.0.1:8443", netAddr("10.0.0.1", 8443))
}

func TestToAddrPortAcceptsUDPAddr(t *testing.T) {
	ap, ok := toAddrPort(&net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 4242})
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("203.0.113.9"), ap.Addr())
	assert.Equal(t, uint16(4242), ap.Port())
}

func TestToAddrPortRejectsNonUDPAddr(t *testing.T) {
	_, ok := toAddrPort(&net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 4242})
	assert.False(t, ok)
}

func TestVerifySourceAddressAllowsUnderRateThenForcesRetry(t *testing.T) {
	log := zerolog.Nop()
	s := &Server{
		log:       &log,
		metrics:   metrics.NewIntermediate(time.Now()),
		handshake: ratelimit.New(1000),
	}

	addr := &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 5000}
	assert.False(t, s.verifySourceAddress(addr), "first handshake under the burst allowance should not require retry")

	for i := 0; i < 2000; i++ {
		s.verifySourceAddress(addr)
	}
	assert.True(t, s.verifySourceAddress(addr), "once the per-source rate is exhausted, Retry must be forced")
	assert.GreaterOrEqual(t, testutil.ToFloat64(s.metrics.RetryRequiredTotal), float64(1))
}

func TestVerifySourceAddressForcesRetryForNonUDPAddrWithoutPanicking(t *testing.T) {
	log := zerolog.Nop()
	s := &Server{
		log:       &log,
		metrics:   metrics.NewIntermediate(time.Now()),
		handshake: ratelimit.New(1000),
	}
	assert.True(t, s.verifySourceAddress(fakeAddr{}))
}

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }
