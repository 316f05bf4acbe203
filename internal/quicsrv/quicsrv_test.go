package quicsrv

import (
	"crypto/tls"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLSConfigSetsALPNAndMinVersion(t *testing.T) {
	base := &tls.Config{ServerName: "example"}
	out := TLSConfig(base)

	assert.Equal(t, []string{ALPN}, out.NextProtos)
	assert.Equal(t, uint16(tls.VersionTLS13), out.MinVersion)
	assert.Equal(t, "example", out.ServerName, "TLSConfig must not discard caller-supplied fields")
}

func TestTLSConfigClonesRatherThanMutatesInput(t *testing.T) {
	base := &tls.Config{}
	out := TLSConfig(base)
	assert.Nil(t, base.NextProtos, "TLSConfig must not mutate the caller's *tls.Config in place")
	require.NotSame(t, base, out)
}

func TestQUICConfigEnablesDatagramsAndDisables0RTT(t *testing.T) {
	cfg := QUICConfig()
	assert.True(t, cfg.EnableDatagrams)
	assert.False(t, cfg.Allow0RTT)
}

func TestAlwaysRetryReturnsConstantDecision(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 1234}
	assert.True(t, AlwaysRetry(true)(addr))
	assert.False(t, AlwaysRetry(false)(addr))
}

func TestOutboundQueueDropsOldestWhenFullAndBumpsCounter(t *testing.T) {
	q := newOutboundQueue(2)
	var drops int
	q.setOnDrop(func() { drops++ })

	require.True(t, q.push([]byte("a")))
	require.True(t, q.push([]byte("b")))
	require.True(t, q.push([]byte("c"))) // queue full at push time: drops "a"

	assert.Equal(t, 1, drops)

	first, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, []byte("b"), first)

	second, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, []byte("c"), second)
}

func TestOutboundQueuePushAfterCloseIsRejected(t *testing.T) {
	q := newOutboundQueue(4)
	q.close()
	assert.False(t, q.push([]byte("x")))

	_, ok := q.pop()
	assert.False(t, ok)
}

func TestOutboundQueuePopUnblocksOnClose(t *testing.T) {
	q := newOutboundQueue(4)
	done := make(chan struct{})
	go func() {
		_, ok := q.pop()
		assert.False(t, ok)
		close(done)
	}()
	q.close()
	<-done
}
