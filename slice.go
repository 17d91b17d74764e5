package gothrottle

// Time-sliced token bucket. Dispatched bytes/ops are accounted against
// a rolling slice window per direction index; the window is trimmed
// after dispatches so an idle group cannot hoard bandwidth, and
// extended while a request is known to be waiting so limits computed
// against the rounded window stay valid.
//
// All times are milliseconds from the throttler clock. Callers hold the
// device lock (or the device-group lock for mirrored entities).

func roundUpMs(t, m int64) int64 {
	return (t + m - 1) / m * m
}

// sliceUsed reports whether the current time fell outside the
// direction's active slice window.
func (tg *throttleGroup) sliceUsed(d int) bool {
	now := tg.t.nowMs()
	return now < tg.sliceStart[d] || now > tg.sliceEnd[d]
}

func (tg *throttleGroup) startNewSlice(d int) {
	now := tg.t.nowMs()
	tg.bytesDisp[d] = 0
	tg.ioDisp[d] = 0
	tg.sliceStart[d] = now
	tg.sliceEnd[d] = now + tg.t.slicePeriod()
}

// startNewSliceWithCredit keeps the start time inherited from the child
// being promoted, so bandwidth the child left unused in the current
// window is credited to this group.
func (tg *throttleGroup) startNewSliceWithCredit(d int, start int64) {
	tg.bytesDisp[d] = 0
	tg.ioDisp[d] = 0
	if start >= tg.sliceStart[d] {
		tg.sliceStart[d] = start
	}
	tg.sliceEnd[d] = tg.t.nowMs() + tg.t.slicePeriod()
}

// extendSlice pushes the slice end out to at least the given time,
// rounded up to a slice boundary so allowances already computed against
// the rounded window remain valid.
func (tg *throttleGroup) extendSlice(d int, end int64) {
	tg.sliceEnd[d] = roundUpMs(end, tg.t.slicePeriod())
}

// trimSlice advances the slice start past whole elapsed slice periods
// and forgives the bytes/ops that the configured rate would have
// allowed in them. Without this the dispatched counters would grow
// without bound while a group idles, and a later burst would stall far
// longer than the configured rate justifies.
//
// Trimming an unexpired slice leaves counters and bounds untouched.
func (tg *throttleGroup) trimSlice(d int) {
	if tg.sliceUsed(d) {
		return
	}

	now := tg.t.nowMs()
	period := tg.t.slicePeriod()

	nrSlices := (now - tg.sliceStart[d]) / period
	if nrSlices == 0 {
		return
	}

	// A request was dispatched: the end may also need pulling back,
	// otherwise a bogus far-future end left over from a since-raised
	// limit would keep a fresh slice from ever starting.
	tg.sliceEnd[d] = roundUpMs(now+period, period)

	elapsed := uint64(nrSlices * period)

	var bytesTrim, ioTrim uint64
	if tg.bps[d] != noLimit {
		bytesTrim = tg.bps[d] * elapsed / 1000
	} else {
		bytesTrim = tg.bytesDisp[d]
	}
	if tg.iops[d] != noLimit {
		ioTrim = tg.iops[d] * elapsed / 1000
	} else {
		ioTrim = tg.ioDisp[d]
	}

	if bytesTrim == 0 && ioTrim == 0 {
		return
	}

	if tg.bytesDisp[d] >= bytesTrim {
		tg.bytesDisp[d] -= bytesTrim
	} else {
		tg.bytesDisp[d] = 0
	}
	if tg.ioDisp[d] >= ioTrim {
		tg.ioDisp[d] -= ioTrim
	} else {
		tg.ioDisp[d] = 0
	}

	tg.sliceStart[d] += nrSlices * period
}

// withinBPSLimit checks the byte-rate allowance for both the request's
// direction and the combined index. It returns ok when every configured
// byte limit permits the request, otherwise the longest wait in ms.
func (tg *throttleGroup) withinBPSLimit(d int, size uint64) (bool, int64) {
	now := tg.t.nowMs()
	period := tg.t.slicePeriod()

	var wait int64
	for _, k := range [2]int{d, dirCombined} {
		limit := tg.bps[k]
		if limit == noLimit {
			continue
		}

		elapsed := now - tg.sliceStart[k]
		elapsedRnd := elapsed
		if elapsedRnd == 0 {
			// slice just started, consider one whole interval
			elapsedRnd = period
		}
		elapsedRnd = roundUpMs(elapsedRnd, period)

		allowed := limit * uint64(elapsedRnd) / 1000
		if tg.bytesDisp[k]+size <= allowed {
			continue
		}

		extra := tg.bytesDisp[k] + size - allowed
		w := int64(extra * 1000 / limit)
		if w == 0 {
			w = 1
		}
		// the allowance was computed over the rounded-up window;
		// add the rounding remainder to the wait as well
		w += elapsedRnd - elapsed
		if w > wait {
			wait = w
		}
	}
	return wait == 0, wait
}

// withinIOPSLimit is the op-rate counterpart of withinBPSLimit; every
// request costs one operation regardless of size.
func (tg *throttleGroup) withinIOPSLimit(d int) (bool, int64) {
	now := tg.t.nowMs()
	period := tg.t.slicePeriod()

	var wait int64
	for _, k := range [2]int{d, dirCombined} {
		limit := tg.iops[k]
		if limit == noLimit {
			continue
		}

		elapsed := now - tg.sliceStart[k]
		elapsedRnd := elapsed
		if elapsedRnd == 0 {
			elapsedRnd = period
		}
		elapsedRnd = roundUpMs(elapsedRnd, period)

		allowed := limit * uint64(elapsedRnd) / 1000
		if tg.ioDisp[k]+1 <= allowed {
			continue
		}

		w := int64((tg.ioDisp[k]+1)*1000/limit) + 1
		if w > elapsed {
			w -= elapsed
		} else {
			w = 1
		}
		if w > wait {
			wait = w
		}
	}
	return wait == 0, wait
}

// mayDispatch decides whether the request can be dispatched right now
// under this group's limits, renewing or extending slices as needed.
// When refused, the returned wait is the time in ms until the request
// fits, and the slice end is extended to cover it.
//
// Device-group members delegate to the shared aggregate so that the
// whole group is evaluated and mirrored in one step.
func (tg *throttleGroup) mayDispatch(req *Request) (bool, int64) {
	if dg := tg.memberOf(); dg != nil {
		return dg.mayDispatch(req)
	}
	return tg.mayDispatchDirect(req)
}

func (tg *throttleGroup) mayDispatchDirect(req *Request) (bool, int64) {
	d := int(req.Dir)

	if tg.bps[d] == noLimit && tg.iops[d] == noLimit &&
		tg.bps[dirCombined] == noLimit && tg.iops[dirCombined] == noLimit {
		return true, 0
	}

	now := tg.t.nowMs()
	period := tg.t.slicePeriod()

	// Renew an expired slice, or make sure the current one reaches at
	// least one period from now.
	for _, k := range [2]int{d, dirCombined} {
		if tg.sliceUsed(k) {
			tg.startNewSlice(k)
		} else if tg.sliceEnd[k] < now+period {
			tg.extendSlice(k, now+period)
		}
	}

	bpsOK, bpsWait := tg.withinBPSLimit(d, req.Bytes)
	iopsOK, iopsWait := tg.withinIOPSLimit(d)
	if bpsOK && iopsOK {
		return true, 0
	}

	maxWait := bpsWait
	if iopsWait > maxWait {
		maxWait = iopsWait
	}

	for _, k := range [2]int{d, dirCombined} {
		if tg.sliceEnd[k] < now+maxWait {
			tg.extendSlice(k, now+maxWait)
		}
	}
	return false, maxWait
}
