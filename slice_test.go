package gothrottle

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGroup(t *testing.T) (*Throttler, *clock.Mock, *throttleGroup) {
	th, mock, _ := newTestThrottler(t, nil)
	require.NoError(t, th.AddDevice("sda"))

	v, ok := th.devices.Load("sda")
	require.True(t, ok)
	dev := v.(*deviceState)

	dev.mu.Lock()
	tg := dev.lookupCreateTG("g")
	dev.mu.Unlock()
	return th, mock, tg
}

func TestSliceStartAndExpiry(t *testing.T) {
	th, mock, tg := newTestGroup(t)

	tg.startNewSlice(dirRead)
	now := th.nowMs()
	assert.Equal(t, now, tg.sliceStart[dirRead])
	assert.Equal(t, now+1000, tg.sliceEnd[dirRead])
	assert.False(t, tg.sliceUsed(dirRead))

	mock.Add(1500 * time.Millisecond)
	assert.True(t, tg.sliceUsed(dirRead))
}

func TestTrimLeavesUnexpiredSliceUntouched(t *testing.T) {
	_, _, tg := newTestGroup(t)

	tg.bps[dirRead] = 500
	tg.startNewSlice(dirRead)
	tg.bytesDisp[dirRead] = 300
	start, end := tg.sliceStart[dirRead], tg.sliceEnd[dirRead]

	tg.trimSlice(dirRead)

	assert.Equal(t, uint64(300), tg.bytesDisp[dirRead])
	assert.Equal(t, start, tg.sliceStart[dirRead])
	assert.Equal(t, end, tg.sliceEnd[dirRead])
}

func TestTrimForgivesElapsedBudget(t *testing.T) {
	th, mock, tg := newTestGroup(t)

	tg.bps[dirRead] = 500
	tg.startNewSlice(dirRead)
	tg.bytesDisp[dirRead] = 1200
	tg.extendSlice(dirRead, th.nowMs()+3000)
	start := tg.sliceStart[dirRead]

	mock.Add(2100 * time.Millisecond)
	tg.trimSlice(dirRead)

	// two whole periods elapsed, each worth 500 bytes
	assert.Equal(t, uint64(200), tg.bytesDisp[dirRead])
	assert.Equal(t, start+2000, tg.sliceStart[dirRead])
}

func TestTrimClampsAtZero(t *testing.T) {
	th, mock, tg := newTestGroup(t)

	tg.bps[dirRead] = 1000
	tg.startNewSlice(dirRead)
	tg.bytesDisp[dirRead] = 100
	tg.extendSlice(dirRead, th.nowMs()+3000)

	mock.Add(2100 * time.Millisecond)
	tg.trimSlice(dirRead)

	assert.Equal(t, uint64(0), tg.bytesDisp[dirRead])
}

func TestWithinBPSLimitAllowsFullWindow(t *testing.T) {
	_, _, tg := newTestGroup(t)

	tg.bps[dirRead] = 1000
	tg.startNewSlice(dirRead)

	ok, wait := tg.withinBPSLimit(dirRead, 1000)
	assert.True(t, ok)
	assert.Zero(t, wait)
}

func TestWithinBPSLimitComputesWait(t *testing.T) {
	_, _, tg := newTestGroup(t)

	tg.bps[dirRead] = 1000
	tg.startNewSlice(dirRead)

	ok, wait := tg.withinBPSLimit(dirRead, 1500)
	assert.False(t, ok)
	// 500 extra bytes at 1000 B/s plus the remainder of the rounded window
	assert.Equal(t, int64(1500), wait)
}

func TestWithinIOPSLimit(t *testing.T) {
	_, _, tg := newTestGroup(t)

	tg.iops[dirRead] = 2
	tg.startNewSlice(dirRead)

	ok, _ := tg.withinIOPSLimit(dirRead)
	assert.True(t, ok)

	tg.ioDisp[dirRead] = 2
	ok, wait := tg.withinIOPSLimit(dirRead)
	assert.False(t, ok)
	assert.Equal(t, int64(1501), wait)
}

func TestCombinedLimitCoversBothDirections(t *testing.T) {
	_, _, tg := newTestGroup(t)

	tg.bps[dirCombined] = 1000
	tg.startNewSlice(dirRead)
	tg.startNewSlice(dirWrite)
	tg.startNewSlice(dirCombined)

	tg.charge(mkReq("g", "sda", Read, 700))

	ok, _ := tg.withinBPSLimit(dirWrite, 700)
	assert.False(t, ok, "combined budget spent by the read should refuse the write")
}

func TestMayDispatchWithoutRules(t *testing.T) {
	_, _, tg := newTestGroup(t)

	ok, wait := tg.mayDispatch(mkReq("g", "sda", Read, 1<<30))
	assert.True(t, ok)
	assert.Zero(t, wait)
}

func TestMayDispatchExtendsSliceToCoverWait(t *testing.T) {
	th, _, tg := newTestGroup(t)

	tg.bps[dirRead] = 1000
	tg.startNewSlice(dirRead)
	tg.bytesDisp[dirRead] = 1000

	ok, wait := tg.mayDispatch(mkReq("g", "sda", Read, 500))
	require.False(t, ok)
	assert.Positive(t, wait)
	assert.GreaterOrEqual(t, tg.sliceEnd[dirRead], th.nowMs()+wait)
}

func TestStartNewSliceWithCreditKeepsChildStart(t *testing.T) {
	th, mock, tg := newTestGroup(t)

	tg.startNewSlice(dirRead)
	childStart := tg.sliceStart[dirRead]

	mock.Add(700 * time.Millisecond)
	tg.bytesDisp[dirRead] = 999
	tg.startNewSliceWithCredit(dirRead, childStart)

	assert.Equal(t, childStart, tg.sliceStart[dirRead])
	assert.Equal(t, uint64(0), tg.bytesDisp[dirRead])
	assert.Equal(t, th.nowMs()+1000, tg.sliceEnd[dirRead])
}
