package gothrottle

import (
	"sync/atomic"
)

// Direction qualifies a request as a read or a write.
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	switch d {
	case Read:
		return "read"
	case Write:
		return "write"
	}
	return "invalid"
}

// Internal direction indexes. The combined index accounts reads and
// writes together for the combined_bps / combined_iops limits.
const (
	dirRead     = 0
	dirWrite    = 1
	dirCombined = 2
	nrDirs      = 3
)

// noLimit is the internal sentinel for an unconfigured limit.
// The public configuration surface uses 0 for "no limit".
const noLimit = ^uint64(0)

// throttleGroup is the scheduling entity for one (group, device) pair.
// It owns the token-bucket state for all three direction indexes, a
// service queue for requests queued at this level, and qnodes used to
// queue its requests on itself and on its parent.
//
// A throttleGroup is kept alive by one structural reference plus one
// reference for every qnode currently holding its requests, so the
// group state outlives its removal for as long as requests are in
// flight. Synthetic device-group entities are not reference counted.
type throttleGroup struct {
	t *Throttler

	// dev is nil for device-group aggregates, which are not bound to
	// any single device.
	dev   *deviceState
	group string

	sq serviceQueue

	qnodeOnSelf   [2]*qnode
	qnodeOnParent [2]*qnode

	bps  [nrDirs]uint64
	iops [nrDirs]uint64

	// ruleMask has bit d set when this group or an ancestor has a
	// limit configured for direction index d. Read lock-free on the
	// admission fast path.
	ruleMask atomic.Uint32

	bytesDisp  [nrDirs]uint64
	ioDisp     [nrDirs]uint64
	sliceStart [nrDirs]int64
	sliceEnd   [nrDirs]int64

	dispTime   int64
	pendingSeq uint64
	pending    bool
	wasEmpty   bool

	// synthetic marks device-group aggregate and member entities,
	// which are owned by their deviceGroup and not reference counted.
	synthetic bool
	dg        *deviceGroup

	stats groupDeviceStats

	refs    atomic.Int64
	removed atomic.Bool
}

func newThrottleGroup(t *Throttler, dev *deviceState, group string, parentSQ *serviceQueue) *throttleGroup {
	tg := &throttleGroup{
		t:     t,
		dev:   dev,
		group: group,
	}
	for d := 0; d < nrDirs; d++ {
		tg.bps[d] = noLimit
		tg.iops[d] = noLimit
	}
	tg.sq.init(dev, tg, parentSQ)
	for rw := 0; rw < 2; rw++ {
		tg.qnodeOnSelf[rw] = newQnode(tg)
		tg.qnodeOnParent[rw] = newQnode(tg)
	}
	tg.refs.Store(1)
	return tg
}

func (tg *throttleGroup) hasRules(d int) bool {
	return tg.ruleMask.Load()&(1<<uint(d)) != 0
}

func (tg *throttleGroup) hasAnyRule(d int) bool {
	return tg.hasRules(d) || tg.hasRules(dirCombined)
}

// updateHasRules recomputes the rule mask from the group's own limits
// and its parent's mask. The parent mask is guaranteed correct, so a
// single step is enough; callers walk the subtree top-down after a
// configuration change.
func (tg *throttleGroup) updateHasRules() {
	parent := tg.sq.parent.ownerTG()
	var mask uint32
	for d := 0; d < nrDirs; d++ {
		if (parent != nil && parent.hasRules(d)) ||
			tg.bps[d] != noLimit || tg.iops[d] != noLimit {
			mask |= 1 << uint(d)
		}
	}
	tg.ruleMask.Store(mask)
}

// updateOwnRules is the device-group variant: members are peers, not
// descendants, so ancestor inheritance does not apply.
func (tg *throttleGroup) updateOwnRules() {
	var mask uint32
	for d := 0; d < nrDirs; d++ {
		if tg.bps[d] != noLimit || tg.iops[d] != noLimit {
			mask |= 1 << uint(d)
		}
	}
	tg.ruleMask.Store(mask)
}

// charge accounts the request against the direction and combined
// counters. Service statistics are recorded only on the first charge,
// so a request forwarded across several levels (or mirrored across a
// device group) is counted once, against its originating group.
func (tg *throttleGroup) charge(req *Request) {
	d := int(req.Dir)
	tg.bytesDisp[d] += req.Bytes
	tg.bytesDisp[dirCombined] += req.Bytes
	tg.ioDisp[d]++
	tg.ioDisp[dirCombined]++

	if !req.charged {
		req.charged = true
		tg.t.accountServiced(tg.dev, req)
	}
}

// updateDispTime recomputes when this group should next be dispatched,
// from the head request of each direction, and repositions the group in
// its parent's pending set.
func (tg *throttleGroup) updateDispTime() {
	const never = int64(1)<<62 - 1

	readWait, writeWait := never, never
	if req := peekQueued(tg.sq.queued[dirRead]); req != nil {
		_, readWait = tg.mayDispatch(req)
	}
	if req := peekQueued(tg.sq.queued[dirWrite]); req != nil {
		_, writeWait = tg.mayDispatch(req)
	}

	minWait := readWait
	if writeWait < minWait {
		minWait = writeWait
	}

	// Device-group aggregates have no parent queue to sit in; only
	// their dispatch time is tracked.
	if parent := tg.sq.parent; parent != nil {
		parent.dequeueTG(tg)
		tg.dispTime = tg.t.nowMs() + minWait
		parent.enqueueTG(tg)
	} else {
		tg.dispTime = tg.t.nowMs() + minWait
	}

	// see deviceState.addRequest
	tg.wasEmpty = false
}

func (tg *throttleGroup) get() {
	tg.refs.Add(1)
}

func (tg *throttleGroup) put() {
	if tg.refs.Add(-1) == 0 && tg.dev != nil {
		tg.dev.finalizeGroup(tg)
	}
}

// release drops the structural reference once the group has been
// removed from the registry. The group state stays readable until the
// last queued request drains.
func (tg *throttleGroup) release() {
	if tg.removed.CompareAndSwap(false, true) {
		tg.put()
	}
}
