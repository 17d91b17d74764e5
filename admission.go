package gothrottle

import (
	"fmt"
)

// Submit runs the request through the throttler. It returns false when
// the request is within every applicable limit and the caller should
// proceed with it immediately, or true when the request was queued; a
// queued request is handed to the configured IssueFunc once its turn
// comes and must not be touched by the caller in the meantime.
//
// Groups are materialized on first use; an unknown device is an error.
// A device being removed refuses new requests with a quiescing error
// that unwraps to ErrDeviceQuiescing.
func (t *Throttler) Submit(req *Request) (bool, error) {
	if req == nil {
		return false, fmt.Errorf("request must not be nil")
	}
	if req.Dir != Read && req.Dir != Write {
		return false, fmt.Errorf("invalid request direction %d", req.Dir)
	}

	v, ok := t.devices.Load(req.Device)
	if !ok {
		return false, &UnknownDeviceError{Device: req.Device}
	}
	dev := v.(*deviceState)

	if dev.quiescing.Load() {
		return false, &DeviceQuiescingError{Device: req.Device}
	}

	// Already charged on a previous pass; never throttle twice.
	if req.charged {
		return false, nil
	}

	d := int(req.Dir)
	req.dgs = t.deviceGroupsFor(req.Group, req.Device)

	// Fast path: nothing in the group's chain has a limit for this
	// direction and no device group applies. No lock taken.
	if len(req.dgs) == 0 && !dev.lookupTG(req.Group).hasAnyRule(d) {
		req.charged = true
		t.accountServiced(dev, req)
		return false, nil
	}

	dev.mu.Lock()

	if dev.quiescing.Load() {
		dev.mu.Unlock()
		return false, &DeviceQuiescingError{Device: req.Device}
	}

	tg := dev.lookupCreateTG(req.Group)
	sq := &tg.sq
	var qn *qnode

	for {
		// Queueing is FIFO per level: a request may never overtake
		// ones already waiting here.
		if sq.nrQueued[d] > 0 {
			break
		}

		if ok, _ := tg.mayDispatch(req); !ok {
			break
		}

		// Within limits at this level; charge and climb.
		tg.charge(req)
		tg.trimSlice(d)
		tg.trimSlice(dirCombined)

		qn = tg.qnodeOnParent[d]
		sq = sq.parent
		tg = sq.ownerTG()
		if tg == nil {
			// Cleared the whole hierarchy; only device groups left.
			queued := dev.gateDeviceGroups(req)
			dev.mu.Unlock()
			if queued {
				t.accountThrottled(req)
			}
			return queued, nil
		}
	}

	t.logger.Debug(fmt.Sprintf(
		"throttling %s request of %d bytes for group %q on device %q",
		req.Dir, req.Bytes, req.Group, req.Device))

	dev.addRequest(req, qn, tg)

	if tg.wasEmpty {
		tg.updateDispTime()
		tg.sq.parent.scheduleNextDispatch(true)
	}

	dev.mu.Unlock()
	t.accountThrottled(req)
	return true, nil
}
