package retrytoken_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hfyeomans/ztna-core/internal/retrytoken"
)

func TestSealValidateRoundTrip(t *testing.T) {
	gen, err := retrytoken.New()
	require.NoError(t, err)

	src := netip.MustParseAddrPort("203.0.113.9:51820")
	cid := []byte{1, 2, 3, 4}

	token, err := gen.Seal(src, cid)
	require.NoError(t, err)

	gotCID, err := gen.Validate(token, src)
	require.NoError(t, err)
	require.Equal(t, cid, gotCID)
}

func TestValidateRejectsWrongSource(t *testing.T) {
	gen, err := retrytoken.New()
	require.NoError(t, err)

	token, err := gen.Seal(netip.MustParseAddrPort("203.0.113.9:51820"), []byte{1})
	require.NoError(t, err)

	_, err = gen.Validate(token, netip.MustParseAddrPort("203.0.113.10:51820"))
	require.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	gen, err := retrytoken.New()
	require.NoError(t, err)

	now := time.Now()
	calls := 0
	gen.SetClockForTest(func() time.Time {
		calls++
		if calls == 1 {
			return now
		}
		return now.Add(31 * time.Second)
	})

	src := netip.MustParseAddrPort("203.0.113.9:51820")
	token, err := gen.Seal(src, []byte{1})
	require.NoError(t, err)

	_, err = gen.Validate(token, src)
	require.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	gen, err := retrytoken.New()
	require.NoError(t, err)
	_, err = gen.Validate([]byte("not a token"), netip.MustParseAddrPort("1.1.1.1:1"))
	require.Error(t, err)
}
