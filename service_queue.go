package gothrottle

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	"github.com/google/btree"
)

// serviceQueue is the unit of scheduling at every hierarchy level. It
// holds the children pending dispatch, ordered by their dispatch time
// with the earliest cached, plus the per-direction qnode lists of
// requests queued at this level.
//
// Every throttleGroup embeds one; the device itself owns the top-level
// queue, which has no parent and whose requests are picked up by the
// issue worker.
type serviceQueue struct {
	dev    *deviceState
	owner  *throttleGroup
	parent *serviceQueue

	pending              *btree.BTreeG[*throttleGroup]
	firstPending         *throttleGroup
	firstPendingDispTime int64
	nrPending            int

	queued   [2]*deque.Deque
	nrQueued [2]int

	timer *clock.Timer
}

// tgLess orders pending children by dispatch time; insertion order
// breaks ties so equal-keyed entries keep their relative order.
func tgLess(a, b *throttleGroup) bool {
	if a.dispTime != b.dispTime {
		return a.dispTime < b.dispTime
	}
	return a.pendingSeq < b.pendingSeq
}

func (sq *serviceQueue) init(dev *deviceState, owner *throttleGroup, parent *serviceQueue) {
	sq.dev = dev
	sq.owner = owner
	sq.parent = parent
	sq.pending = btree.NewG(8, tgLess)
	for rw := 0; rw < 2; rw++ {
		sq.queued[rw] = deque.New(qnodeMinCapacity, qnodeMinCapacity)
	}
}

// ownerTG returns the group this queue belongs to, or nil for the
// top-level queue embedded in the device state.
func (sq *serviceQueue) ownerTG() *throttleGroup {
	if sq == nil {
		return nil
	}
	return sq.owner
}

// firstPendingTG returns the earliest pending child, refreshing the
// cached minimum from the tree when it was invalidated.
func (sq *serviceQueue) firstPendingTG() *throttleGroup {
	if sq.nrPending == 0 {
		return nil
	}
	if sq.firstPending == nil {
		if tg, ok := sq.pending.Min(); ok {
			sq.firstPending = tg
		}
	}
	return sq.firstPending
}

func (sq *serviceQueue) updateMinDispatchTime() {
	if tg := sq.firstPendingTG(); tg != nil {
		sq.firstPendingDispTime = tg.dispTime
	}
}

// enqueueTG inserts the group into the pending set keyed by its current
// dispatch time. No-op if already pending.
func (sq *serviceQueue) enqueueTG(tg *throttleGroup) {
	if tg.pending {
		return
	}
	tg.pendingSeq = sq.dev.nextPendingSeq()
	sq.pending.ReplaceOrInsert(tg)
	if sq.firstPending != nil && tgLess(tg, sq.firstPending) {
		sq.firstPending = tg
	}
	sq.nrPending++
	tg.pending = true
}

// dequeueTG removes the group from the pending set, invalidating the
// cached minimum if it pointed at this entry.
func (sq *serviceQueue) dequeueTG(tg *throttleGroup) {
	if !tg.pending {
		return
	}
	if sq.firstPending == tg {
		sq.firstPending = nil
	}
	sq.pending.Delete(tg)
	sq.nrPending--
	tg.pending = false
}

// schedulePendingTimer arms the one-shot dispatch timer for the given
// absolute time in ms. Rearming an already armed timer moves it.
func (sq *serviceQueue) schedulePendingTimer(expires int64) {
	delay := time.Duration(expires-sq.dev.nowMs()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	if sq.timer == nil {
		target := sq
		sq.timer = sq.dev.t.clk.AfterFunc(delay, func() {
			target.dev.pendingTimerFired(target)
		})
	} else {
		sq.timer.Stop()
		sq.timer.Reset(delay)
	}
	sq.dev.t.logger.Debug("armed dispatch timer")
}

// scheduleNextDispatch arms the pending timer for the dispatch time of
// the earliest pending child. It returns true if the timer was armed or
// there is nothing pending, false if the earliest dispatch time is not
// in the future, in which case the caller should keep dispatching
// itself instead of paying the timer latency.
//
// With force set the timer is armed unconditionally and the function
// always returns true; used when the caller cannot dispatch in place.
func (sq *serviceQueue) scheduleNextDispatch(force bool) bool {
	if sq.nrPending == 0 {
		return true
	}

	sq.updateMinDispatchTime()

	if force || sq.firstPendingDispTime > sq.dev.nowMs() {
		sq.schedulePendingTimer(sq.firstPendingDispTime)
		return true
	}

	// tell the caller to continue dispatching
	return false
}

func (sq *serviceQueue) stopTimer() {
	if sq.timer != nil {
		sq.timer.Stop()
	}
}
