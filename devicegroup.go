package gothrottle

import (
	"fmt"
	"sync"
)

// deviceGroup pools several devices under one shared limit owned by a
// single resource group. The shared token-bucket state lives in a
// synthetic aggregate entity; each member device additionally gets a
// synthetic per-device entity that queues refused requests locally, so
// the dispatch timer for them runs on the device the requests target.
//
// dg.mu guards the aggregate state and the queued counters. It is
// ordered strictly after any single device lock: paths holding a device
// lock may take dg.mu, never the other way around, and no path holds
// two device locks at once.
type deviceGroup struct {
	group string
	id    string

	mu sync.Mutex

	// agg holds the shared limits and slice state. It is bound to no
	// device and sits in no pending set.
	agg *throttleGroup

	members  []*deviceGroupMember
	nrQueued [2]int
}

type deviceGroupMember struct {
	deviceID string

	// tg queues requests this device group refused on their target
	// device, directly below the device's top-level queue.
	tg *throttleGroup

	nrQueued [2]int
}

func newDeviceGroup(t *Throttler, group, id string) *deviceGroup {
	dg := &deviceGroup{
		group: group,
		id:    id,
	}
	dg.agg = newThrottleGroup(t, nil, group, nil)
	dg.agg.synthetic = true
	dg.agg.dg = dg
	return dg
}

// memberOf returns the deviceGroup a member entity belongs to, nil for
// every other entity including the aggregate itself.
func (tg *throttleGroup) memberOf() *deviceGroup {
	if tg.dg != nil && tg != tg.dg.agg {
		return tg.dg
	}
	return nil
}

// memberForLocked requires dg.mu to be held.
func (dg *deviceGroup) memberForLocked(deviceID string) *deviceGroupMember {
	for _, m := range dg.members {
		if m.deviceID == deviceID {
			return m
		}
	}
	return nil
}

func (dg *deviceGroup) memberFor(deviceID string) *deviceGroupMember {
	dg.mu.Lock()
	m := dg.memberForLocked(deviceID)
	dg.mu.Unlock()
	return m
}

// addMember registers a device with the group and creates its queueing
// entity. Caller holds the device lock; idempotent per device.
func (dg *deviceGroup) addMember(dev *deviceState) *deviceGroupMember {
	dg.mu.Lock()
	if m := dg.memberForLocked(dev.id); m != nil {
		dg.mu.Unlock()
		return m
	}

	tg := newThrottleGroup(dg.agg.t, dev, dg.group, &dev.sq)
	tg.synthetic = true
	tg.dg = dg

	m := &deviceGroupMember{deviceID: dev.id, tg: tg}
	dg.members = append(dg.members, m)
	tg.ruleMask.Store(dg.agg.ruleMask.Load())
	dg.mu.Unlock()

	dev.memberTGs = append(dev.memberTGs, tg)
	return m
}

// removeMember drops a device from the group when the device goes
// away. Its queued counters leave with it.
func (dg *deviceGroup) removeMember(deviceID string) {
	dg.mu.Lock()
	for i, m := range dg.members {
		if m.deviceID != deviceID {
			continue
		}
		for d := 0; d < 2; d++ {
			dg.nrQueued[d] -= m.nrQueued[d]
			if dg.nrQueued[d] < 0 {
				dg.nrQueued[d] = 0
			}
		}
		dg.members = append(dg.members[:i], dg.members[i+1:]...)
		break
	}
	dg.mu.Unlock()
}

// mayDispatch evaluates the request against the shared aggregate state
// without consuming budget. Member entities delegate here when they
// estimate their next dispatch time; admission decisions go through
// tryCharge instead.
func (dg *deviceGroup) mayDispatch(req *Request) (bool, int64) {
	dg.mu.Lock()
	ok, wait := dg.agg.mayDispatchDirect(req)
	dg.mu.Unlock()
	return ok, wait
}

// tryCharge admits the request against the shared bucket and consumes
// its budget in one critical section. Devices hold only their own lock
// here, so the decision and the charge must not be split: separate
// sections would let every member device pass the check against the
// same remaining budget before any charge lands.
func (dg *deviceGroup) tryCharge(req *Request) (bool, int64) {
	dg.mu.Lock()
	ok, wait := dg.agg.mayDispatchDirect(req)
	if ok {
		dg.agg.charge(req)
		dg.agg.trimSlice(int(req.Dir))
		dg.agg.trimSlice(dirCombined)
	}
	dg.mu.Unlock()
	return ok, wait
}

// charge consumes shared budget for the request unconditionally; used
// by drains, which flush past the shared limit but keep it honest.
func (dg *deviceGroup) charge(req *Request) {
	dg.mu.Lock()
	dg.agg.charge(req)
	dg.agg.trimSlice(int(req.Dir))
	dg.agg.trimSlice(dirCombined)
	dg.mu.Unlock()
}

// setLimit updates one shared limit. Slices restart so the new rate
// takes effect from now rather than being averaged into the old window,
// and member rule masks are refreshed.
func (dg *deviceGroup) setLimit(kind limitKind, d int, limit uint64) {
	dg.mu.Lock()
	switch kind {
	case limitBPS:
		dg.agg.bps[d] = limit
	case limitIOPS:
		dg.agg.iops[d] = limit
	}
	for k := 0; k < nrDirs; k++ {
		dg.agg.startNewSlice(k)
	}
	dg.agg.updateOwnRules()
	mask := dg.agg.ruleMask.Load()
	for _, m := range dg.members {
		m.tg.ruleMask.Store(mask)
	}
	dg.mu.Unlock()
}

// noteQueued tracks requests queued on a member entity, per direction,
// both per member and for the whole group. Counts are clamped at zero;
// going below indicates unbalanced accounting and is reported.
func (dg *deviceGroup) noteQueued(deviceID string, d, delta int) {
	dg.mu.Lock()
	defer dg.mu.Unlock()

	m := dg.memberForLocked(deviceID)
	if m == nil {
		return
	}
	m.nrQueued[d] += delta
	dg.nrQueued[d] += delta
	if m.nrQueued[d] < 0 || dg.nrQueued[d] < 0 {
		err := &InvariantViolationError{Detail: fmt.Sprintf(
			"queued count below zero for device group %q/%q on device %q", dg.group, dg.id, deviceID)}
		dg.agg.t.logger.Error(err.Error())
		if m.nrQueued[d] < 0 {
			m.nrQueued[d] = 0
		}
		if dg.nrQueued[d] < 0 {
			dg.nrQueued[d] = 0
		}
	}
}

// limitsSnapshot reads the shared limits for the read-back surface.
func (dg *deviceGroup) limitsSnapshot() ([nrDirs]uint64, [nrDirs]uint64) {
	dg.mu.Lock()
	bps, iops := dg.agg.bps, dg.agg.iops
	dg.mu.Unlock()
	return bps, iops
}

// deviceGroupsFor collects the device groups of the given resource
// group that the device belongs to. The registry slice is replaced
// wholesale on mutation, so ranging over the loaded value is safe;
// membership is checked under each group's own lock.
func (t *Throttler) deviceGroupsFor(group, deviceID string) []*deviceGroup {
	v, ok := t.devGroups.Load(group)
	if !ok {
		return nil
	}
	all := v.([]*deviceGroup)
	var out []*deviceGroup
	for _, dg := range all {
		if dg.memberFor(deviceID) != nil {
			out = append(out, dg)
		}
	}
	return out
}
