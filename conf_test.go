package gothrottle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetRuleRejectsUnknownKey(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))

	err := th.SetRule("g", "read_mph", "sda 100")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRule))
}

func TestSetRuleRejectsMalformedValues(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))

	for _, value := range []string{
		"",
		"sda",
		"sda notanumber",
		"sda -5",
		"sda pool0 100 extra",
	} {
		err := th.SetRule("g", KeyReadBPS, value)
		assert.True(t, errors.Is(err, ErrInvalidRule), "value %q should be rejected", value)
	}
}

func TestSetRuleUnknownDevice(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)

	err := th.SetRule("g", KeyReadBPS, "sda 100")
	assert.True(t, errors.Is(err, ErrUnknownDevice))
}

func TestLimitsRoundTrip(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))

	require.NoError(t, th.SetRule("g", KeyReadBPS, "sda 1024"))
	require.NoError(t, th.SetRule("g", KeyWriteIOPS, "sda 16"))
	require.NoError(t, th.SetRule("g", KeyCombinedBPS, "sda 4096"))

	limits, err := th.Limits("g", "sda")
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), limits.ReadBPS)
	assert.Equal(t, uint64(16), limits.WriteIOPS)
	assert.Equal(t, uint64(4096), limits.CombinedBPS)
	assert.Zero(t, limits.WriteBPS)
	assert.Zero(t, limits.ReadIOPS)
	assert.Zero(t, limits.CombinedIOPS)
}

func TestZeroLimitMeansUnlimited(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))

	require.NoError(t, th.SetRule("g", KeyReadBPS, "sda 1000"))
	require.NoError(t, th.SetRule("g", KeyReadBPS, "sda 0"))

	limits, err := th.Limits("g", "sda")
	require.NoError(t, err)
	assert.Zero(t, limits.ReadBPS)

	// effectively no limit anymore
	mustSubmit(t, th, mkReq("g", "sda", Read, 1<<30))
	mustSubmit(t, th, mkReq("g", "sda", Read, 1<<30))
}

func TestLimitsUnknownLookups(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))

	_, err := th.Limits("g", "nope")
	assert.True(t, errors.Is(err, ErrUnknownDevice))

	_, err = th.Limits("never-seen", "sda")
	assert.True(t, errors.Is(err, ErrUnknownGroup))
}

func TestRulesSurviveDeviceReadd(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))
	require.NoError(t, th.SetRule("g", KeyReadBPS, "sda 1000"))

	require.NoError(t, th.RemoveDevice("sda"))
	require.NoError(t, th.AddDevice("sda"))

	mustSubmit(t, th, mkReq("g", "sda", Read, 600))
	mustQueue(t, th, mkReq("g", "sda", Read, 600))
}

func TestRuleChangeUpdatesDescendantMasks(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))

	// materialize the child first, then set the rule on the parent
	require.NoError(t, th.SetRule("p/c", KeyWriteIOPS, "sda 1000"))
	require.NoError(t, th.SetRule("p", KeyReadBPS, "sda 1000"))

	mustSubmit(t, th, mkReq("p/c", "sda", Read, 600))
	mustQueue(t, th, mkReq("p/c", "sda", Read, 600))
}

func TestSetRuleOnRootGroup(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))
	require.NoError(t, th.SetRule("", KeyReadBPS, "sda 1000"))

	mustSubmit(t, th, mkReq("anything", "sda", Read, 600))
	mustQueue(t, th, mkReq("anything/else", "sda", Read, 600))
}

func TestParseRuleKeyCoversAllDirections(t *testing.T) {
	for key, want := range map[string]struct {
		kind limitKind
		d    int
	}{
		KeyReadBPS:      {limitBPS, dirRead},
		KeyWriteBPS:     {limitBPS, dirWrite},
		KeyCombinedBPS:  {limitBPS, dirCombined},
		KeyReadIOPS:     {limitIOPS, dirRead},
		KeyWriteIOPS:    {limitIOPS, dirWrite},
		KeyCombinedIOPS: {limitIOPS, dirCombined},
	} {
		kind, d, err := parseRuleKey(key)
		require.NoError(t, err)
		assert.Equal(t, want.kind, kind)
		assert.Equal(t, want.d, d)
	}
}
