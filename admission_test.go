package gothrottle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitUnknownDevice(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)

	_, err := th.Submit(mkReq("g", "nope", Read, 100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownDevice))
}

func TestSubmitValidation(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))

	_, err := th.Submit(nil)
	assert.Error(t, err)

	_, err = th.Submit(&Request{Group: "g", Device: "sda", Dir: Direction(7)})
	assert.Error(t, err)
}

func TestSubmitPassesWithoutRules(t *testing.T) {
	th, _, rec := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))

	for i := 0; i < 100; i++ {
		mustSubmit(t, th, mkReq("g", "sda", Write, 1<<20))
	}

	// nothing was held back, so nothing reaches the issue func
	assert.Zero(t, rec.count())
}

func TestSubmitThrottlesOverBudget(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))
	require.NoError(t, th.SetRule("g", KeyReadBPS, "sda 1000"))

	mustSubmit(t, th, mkReq("g", "sda", Read, 600))
	mustQueue(t, th, mkReq("g", "sda", Read, 600))
}

func TestSubmitIsFIFOPerLevel(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))
	require.NoError(t, th.SetRule("g", KeyReadBPS, "sda 1000"))

	mustSubmit(t, th, mkReq("g", "sda", Read, 600))
	mustQueue(t, th, mkReq("g", "sda", Read, 600))

	// fits the remaining budget, but may not overtake the one waiting
	mustQueue(t, th, mkReq("g", "sda", Read, 10))
}

func TestSubmitOtherDirectionUnaffected(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))
	require.NoError(t, th.SetRule("g", KeyReadBPS, "sda 1000"))

	mustSubmit(t, th, mkReq("g", "sda", Read, 600))
	mustQueue(t, th, mkReq("g", "sda", Read, 600))

	mustSubmit(t, th, mkReq("g", "sda", Write, 1<<20))
}

func TestSubmitInheritsAncestorLimit(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))
	require.NoError(t, th.SetRule("p", KeyReadBPS, "sda 1000"))

	mustSubmit(t, th, mkReq("p/c", "sda", Read, 600))
	mustQueue(t, th, mkReq("p/c", "sda", Read, 600))
}

func TestSubmitSiblingsShareAncestorBudget(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))
	require.NoError(t, th.SetRule("p", KeyReadBPS, "sda 1000"))

	mustSubmit(t, th, mkReq("p/a", "sda", Read, 800))
	mustQueue(t, th, mkReq("p/b", "sda", Read, 800))
}

func TestSubmitOtherDeviceUnaffected(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))
	require.NoError(t, th.AddDevice("sdb"))
	require.NoError(t, th.SetRule("g", KeyReadBPS, "sda 1000"))

	mustSubmit(t, th, mkReq("g", "sda", Read, 600))
	mustQueue(t, th, mkReq("g", "sda", Read, 600))

	// the limit names sda only
	mustSubmit(t, th, mkReq("g", "sdb", Read, 600))
	mustSubmit(t, th, mkReq("g", "sdb", Read, 600))
}

func TestSubmitChargedRequestPassesThrough(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))
	require.NoError(t, th.SetRule("g", KeyReadBPS, "sda 1000"))

	req := mkReq("g", "sda", Read, 600)
	mustSubmit(t, th, req)

	// resubmission of an already charged request is never throttled
	mustSubmit(t, th, req)
}

func TestSubmitAfterRemoveDevice(t *testing.T) {
	th, _, _ := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))
	require.NoError(t, th.RemoveDevice("sda"))

	_, err := th.Submit(mkReq("g", "sda", Read, 100))
	assert.True(t, errors.Is(err, ErrUnknownDevice))
}
