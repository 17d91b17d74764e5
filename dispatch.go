package gothrottle

import (
	"runtime"
)

// dispatchRetryLimit bounds how many times a timer callback re-enters
// the dispatch loop when the earliest pending child keeps being ready
// immediately. Past the limit the timer is re-armed instead, so a
// saturated queue cannot monopolize the device lock.
const dispatchRetryLimit = 16

// addRequest queues the request on the group's service queue through
// the given qnode (the group's own qnode when nil) and makes sure the
// group is pending on its parent.
//
// The empty flag is what later tells the timer callback that ancestors
// have not seen this group's requests yet and dispatch must propagate
// upward. Called with the device lock held.
func (dev *deviceState) addRequest(req *Request, qn *qnode, tg *throttleGroup) {
	d := int(req.Dir)
	sq := &tg.sq

	if qn == nil {
		qn = tg.qnodeOnSelf[d]
	}

	if sq.nrQueued[d] == 0 {
		tg.wasEmpty = true
	}

	qnodeAdd(req, qn, sq.queued[d])
	sq.nrQueued[d]++
	dev.nrQueued[d]++

	if dgm := tg.memberOf(); dgm != nil {
		dgm.noteQueued(dev.id, d, +1)
	}

	if sq.parent != nil {
		sq.parent.enqueueTG(tg)
	}
}

// startParentSliceWithCredit renews an expired parent slice while
// crediting it with the child's slice start, so budget the child did
// not use in the current window carries up instead of resetting.
func startParentSliceWithCredit(child, parent *throttleGroup, d int) {
	if parent.sliceUsed(d) {
		parent.startNewSliceWithCredit(d, child.sliceStart[d])
	}
}

// dispatchOne moves the head request of one direction a single level
// up: onto the parent group's queue, or through the device-group gate
// into the top-level queue when this group sits directly below it.
// Called with the device lock held.
func (dev *deviceState) dispatchOne(tg *throttleGroup, d int) {
	sq := &tg.sq

	req, tgToPut := popQueued(sq.queued[d])
	if req == nil {
		return
	}
	sq.nrQueued[d]--
	dev.nrQueued[d]--

	if dgm := tg.memberOf(); dgm != nil {
		dgm.noteQueued(dev.id, d, -1)
		// Shared budget was already consumed when the dispatch loop
		// claimed this request; drains land here unclaimed and charge
		// now.
		if req.dgClaim {
			req.dgClaim = false
		} else {
			dgm.charge(req)
		}
		req.dgNext++
	} else {
		tg.charge(req)
	}

	if parentTG := sq.parent.ownerTG(); parentTG != nil {
		dev.addRequest(req, tg.qnodeOnParent[d], parentTG)
		startParentSliceWithCredit(tg, parentTG, d)
		startParentSliceWithCredit(tg, parentTG, dirCombined)
	} else if !dev.gateDeviceGroups(req) {
		qnodeAdd(req, tg.qnodeOnParent[d], dev.sq.queued[d])
		dev.sq.nrQueued[d]++
	}

	if dgm := tg.memberOf(); dgm == nil {
		tg.trimSlice(d)
		tg.trimSlice(dirCombined)
	}

	if tgToPut != nil {
		tgToPut.put()
	}
}

// gateDeviceGroups runs the request through its remaining device
// groups in order. A refusing group queues the request on its member
// entity for this device and the gate stops; the member's dispatch
// continues from the next group later. Reports whether the request was
// queued. Called with the device lock held.
func (dev *deviceState) gateDeviceGroups(req *Request) bool {
	for req.dgNext < len(req.dgs) {
		dg := req.dgs[req.dgNext]
		m := dg.memberFor(dev.id)
		if m == nil {
			req.dgNext++
			continue
		}

		// A drain flushes unconditionally; shared budget is still
		// consumed so sibling devices keep seeing honest counters.
		if dev.draining {
			dg.charge(req)
			req.dgNext++
			continue
		}

		if ok, _ := dg.tryCharge(req); ok {
			req.dgNext++
			continue
		}

		dev.addRequest(req, nil, m.tg)
		m.tg.updateDispTime()
		dev.sq.scheduleNextDispatch(true)
		return true
	}
	return false
}

// claimDispatch decides whether the head request may be dispatched
// now. For device-group members the decision and the shared charge are
// one atomic step under the group lock, so member devices racing each
// other cannot all admit against the same remaining budget; dispatchOne
// sees the claim and does not charge again.
func (tg *throttleGroup) claimDispatch(req *Request) bool {
	if dg := tg.memberOf(); dg != nil {
		ok, _ := dg.tryCharge(req)
		if ok {
			req.dgClaim = true
		}
		return ok
	}
	ok, _ := tg.mayDispatch(req)
	return ok
}

// dispatchTG dispatches as much of the group's backlog as its limits
// and the per-group quantum allow. Reads get three quarters of the
// quantum so a heavy writer cannot shut them out.
func (dev *deviceState) dispatchTG(tg *throttleGroup) int {
	maxReads := dev.t.cfg.groupQuantum * 3 / 4
	maxWrites := dev.t.cfg.groupQuantum - maxReads

	nrReads, nrWrites := 0, 0

	for {
		req := peekQueued(tg.sq.queued[dirRead])
		if req == nil {
			break
		}
		if !tg.claimDispatch(req) {
			break
		}
		dev.dispatchOne(tg, dirRead)
		nrReads++
		if nrReads >= maxReads {
			break
		}
	}

	for {
		req := peekQueued(tg.sq.queued[dirWrite])
		if req == nil {
			break
		}
		if !tg.claimDispatch(req) {
			break
		}
		dev.dispatchOne(tg, dirWrite)
		nrWrites++
		if nrWrites >= maxWrites {
			break
		}
	}

	return nrReads + nrWrites
}

// selectDispatch services pending children of the queue whose dispatch
// time has arrived, up to the total quantum, repositioning children
// that still have a backlog. Returns the number of requests moved.
func (dev *deviceState) selectDispatch(sq *serviceQueue) int {
	nr := 0
	for nr < dev.t.cfg.totalQuantum {
		tg := sq.firstPendingTG()
		if tg == nil || tg.dispTime > dev.nowMs() {
			break
		}

		sq.dequeueTG(tg)
		nr += dev.dispatchTG(tg)

		if tg.sq.nrQueued[dirRead]+tg.sq.nrQueued[dirWrite] > 0 {
			tg.updateDispTime()
		}
	}
	return nr
}

// pendingTimerFired is the dispatch timer callback for one service
// queue. It drains whatever became eligible, re-arms for the rest, and
// propagates upward when an ancestor has not yet accounted for the
// requests that just surfaced. At the top level it hands over to the
// issue worker.
func (dev *deviceState) pendingTimerFired(sq *serviceQueue) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.quiescing.Load() {
		return
	}

	tries := 0

again:
	parent := sq.parent
	dispatched := false

	for {
		if dev.selectDispatch(sq) > 0 {
			dispatched = true
		}
		if sq.scheduleNextDispatch(false) {
			break
		}

		// The earliest child became eligible while dispatching. Keep
		// going, but yield the lock so admissions get a turn, and give
		// up on in-place dispatch entirely past the retry limit.
		tries++
		if tries > dispatchRetryLimit {
			sq.scheduleNextDispatch(true)
			break
		}
		dev.mu.Unlock()
		runtime.Gosched()
		dev.mu.Lock()
		if dev.quiescing.Load() {
			return
		}
	}

	if !dispatched {
		return
	}

	if parent != nil {
		tg := sq.ownerTG()
		if tg != nil && tg.wasEmpty {
			tg.updateDispTime()
			if !parent.scheduleNextDispatch(false) {
				sq = parent
				goto again
			}
		}
		return
	}

	dev.kickIssueWorker()
}
