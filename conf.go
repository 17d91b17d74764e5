package gothrottle

import (
	"fmt"
	"strconv"
	"strings"
)

type limitKind int

const (
	limitBPS limitKind = iota
	limitIOPS
)

// Rule keys accepted by SetRule. The combined keys account reads and
// writes against one shared budget.
const (
	KeyReadBPS      = "read_bps"
	KeyWriteBPS     = "write_bps"
	KeyCombinedBPS  = "combined_bps"
	KeyReadIOPS     = "read_iops"
	KeyWriteIOPS    = "write_iops"
	KeyCombinedIOPS = "combined_iops"
)

func parseRuleKey(key string) (limitKind, int, error) {
	switch key {
	case KeyReadBPS:
		return limitBPS, dirRead, nil
	case KeyWriteBPS:
		return limitBPS, dirWrite, nil
	case KeyCombinedBPS:
		return limitBPS, dirCombined, nil
	case KeyReadIOPS:
		return limitIOPS, dirRead, nil
	case KeyWriteIOPS:
		return limitIOPS, dirWrite, nil
	case KeyCombinedIOPS:
		return limitIOPS, dirCombined, nil
	}
	return 0, 0, fmt.Errorf("unknown rule key %q", key)
}

// storedLimits is the per-(group, device) rule record kept so that
// limits configured before a group is materialized on a device, or
// before the device is re-added, still apply.
type storedLimits struct {
	bps  [nrDirs]uint64
	iops [nrDirs]uint64
}

func newStoredLimits() *storedLimits {
	l := &storedLimits{}
	for d := 0; d < nrDirs; d++ {
		l.bps[d] = noLimit
		l.iops[d] = noLimit
	}
	return l
}

// applyStoredRules copies any recorded limits for the entity's group
// and device onto a freshly created entity.
func (t *Throttler) applyStoredRules(tg *throttleGroup) {
	t.rulesMu.Lock()
	defer t.rulesMu.Unlock()

	byDevice, ok := t.ruleStore[tg.group]
	if !ok {
		return
	}
	lims, ok := byDevice[tg.dev.id]
	if !ok {
		return
	}
	tg.bps = lims.bps
	tg.iops = lims.iops
}

func (t *Throttler) storeRule(group, device string, kind limitKind, d int, limit uint64) {
	t.rulesMu.Lock()
	defer t.rulesMu.Unlock()

	byDevice, ok := t.ruleStore[group]
	if !ok {
		byDevice = make(map[string]*storedLimits)
		t.ruleStore[group] = byDevice
	}
	lims, ok := byDevice[device]
	if !ok {
		lims = newStoredLimits()
		byDevice[device] = lims
	}
	switch kind {
	case limitBPS:
		lims.bps[d] = limit
	case limitIOPS:
		lims.iops[d] = limit
	}
}

// dropStoredRules discards the rule records of the group and every
// descendant.
func (t *Throttler) dropStoredRules(group string) {
	t.rulesMu.Lock()
	for g := range t.ruleStore {
		if t.isAncestorOrSelf(group, g) {
			delete(t.ruleStore, g)
		}
	}
	t.rulesMu.Unlock()
}

// SetRule configures one limit of a resource group.
//
// The value is either "<device> <limit>" for a per-device limit or
// "<device> <device-group> <limit>" to enroll the device in the named
// device group and set the group's shared limit. A limit of 0 removes
// the limit. The new rate takes effect immediately: slices restart and
// an already pending group is rescheduled.
func (t *Throttler) SetRule(group, key, value string) error {
	kind, d, err := parseRuleKey(key)
	if err != nil {
		return &InvalidRuleError{Key: key, Value: value, Reason: err.Error()}
	}

	fields := strings.Fields(value)
	if len(fields) != 2 && len(fields) != 3 {
		return &InvalidRuleError{Key: key, Value: value,
			Reason: "expected \"device limit\" or \"device device-group limit\""}
	}

	limit, err := strconv.ParseUint(fields[len(fields)-1], 10, 64)
	if err != nil {
		return &InvalidRuleError{Key: key, Value: value,
			Reason: fmt.Sprintf("invalid limit: %v", err)}
	}
	if limit == 0 {
		limit = noLimit
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("throttler is closed")
	}

	v, ok := t.devices.Load(fields[0])
	if !ok {
		return &UnknownDeviceError{Device: fields[0]}
	}
	dev := v.(*deviceState)

	if len(fields) == 3 {
		return t.setDeviceGroupRule(dev, group, fields[1], kind, d, limit)
	}

	t.storeRule(group, dev.id, kind, d, limit)

	dev.mu.Lock()
	defer dev.mu.Unlock()

	tg := dev.lookupCreateTG(group)
	switch kind {
	case limitBPS:
		tg.bps[d] = limit
	case limitIOPS:
		tg.iops[d] = limit
	}

	t.logger.Debug(fmt.Sprintf("set %s=%d for group %q on device %q", key, limit, group, dev.id))

	dev.updateRulesSubtree(group)

	// Restart accounting so the new rate applies from now instead of
	// being averaged into the window dispatched under the old one.
	for k := 0; k < nrDirs; k++ {
		tg.startNewSlice(k)
	}

	if tg.pending {
		tg.updateDispTime()
		tg.sq.parent.scheduleNextDispatch(true)
	}
	return nil
}

// setDeviceGroupRule enrolls the device in the group's named device
// group, creating both as needed, and updates the shared limit. Called
// with t.mu held.
func (t *Throttler) setDeviceGroupRule(dev *deviceState, group, dgID string, kind limitKind, d int, limit uint64) error {
	var dgs []*deviceGroup
	if v, ok := t.devGroups.Load(group); ok {
		dgs = v.([]*deviceGroup)
	}

	var dg *deviceGroup
	for _, cand := range dgs {
		if cand.id == dgID {
			dg = cand
			break
		}
	}
	if dg == nil {
		dg = newDeviceGroup(t, group, dgID)
		next := make([]*deviceGroup, len(dgs), len(dgs)+1)
		copy(next, dgs)
		t.devGroups.Store(group, append(next, dg))
	}

	dev.mu.Lock()
	m := dg.addMember(dev)
	dev.mu.Unlock()

	dg.setLimit(kind, d, limit)

	t.logger.Debug(fmt.Sprintf("set shared limit %d for device group %q/%q, device %q enrolled",
		limit, group, dgID, dev.id))

	dev.mu.Lock()
	if m.tg.sq.nrQueued[dirRead]+m.tg.sq.nrQueued[dirWrite] > 0 {
		m.tg.updateDispTime()
		dev.sq.scheduleNextDispatch(true)
	}
	dev.mu.Unlock()
	return nil
}

// updateRulesSubtree refreshes the rule masks of the group and every
// materialized descendant, parents before children so each step can
// trust its parent's mask. Called with the device lock held.
func (dev *deviceState) updateRulesSubtree(group string) {
	type entry struct {
		tg    *throttleGroup
		depth int
	}
	var affected []entry
	dev.groups.Range(func(k, v interface{}) bool {
		g := k.(string)
		if dev.t.isAncestorOrSelf(group, g) {
			affected = append(affected, entry{v.(*throttleGroup), dev.t.groupDepth(v.(*throttleGroup))})
		}
		return true
	})
	for i := 1; i < len(affected); i++ {
		for j := i; j > 0 && affected[j].depth < affected[j-1].depth; j-- {
			affected[j], affected[j-1] = affected[j-1], affected[j]
		}
	}
	for _, e := range affected {
		e.tg.updateHasRules()
	}
}

// isAncestorOrSelf reports whether ancestor lies on the parent chain of
// group, or is group itself.
func (t *Throttler) isAncestorOrSelf(ancestor, group string) bool {
	for depth := 0; depth <= maxHierarchyDepth; depth++ {
		if group == ancestor {
			return true
		}
		if group == "" {
			return false
		}
		p, ok := t.hierarchy.Parent(group)
		if !ok {
			p = ""
		}
		group = p
	}
	return false
}

// LimitSet is the read-back form of a group's limits on one device.
// Zero means no limit.
type LimitSet struct {
	ReadBPS      uint64
	WriteBPS     uint64
	CombinedBPS  uint64
	ReadIOPS     uint64
	WriteIOPS    uint64
	CombinedIOPS uint64
}

func limitOut(v uint64) uint64 {
	if v == noLimit {
		return 0
	}
	return v
}

// Limits reports the limits configured for the group on the given
// device. Inherited ancestor limits are not folded in; the result is
// what SetRule put there.
func (t *Throttler) Limits(group, device string) (LimitSet, error) {
	v, ok := t.devices.Load(device)
	if !ok {
		return LimitSet{}, &UnknownDeviceError{Device: device}
	}
	dev := v.(*deviceState)

	g, ok := dev.groups.Load(group)
	if !ok {
		return LimitSet{}, &UnknownGroupError{Group: group}
	}
	tg := g.(*throttleGroup)

	dev.mu.Lock()
	out := LimitSet{
		ReadBPS:      limitOut(tg.bps[dirRead]),
		WriteBPS:     limitOut(tg.bps[dirWrite]),
		CombinedBPS:  limitOut(tg.bps[dirCombined]),
		ReadIOPS:     limitOut(tg.iops[dirRead]),
		WriteIOPS:    limitOut(tg.iops[dirWrite]),
		CombinedIOPS: limitOut(tg.iops[dirCombined]),
	}
	dev.mu.Unlock()
	return out, nil
}

// DeviceGroupLimits reports the shared limits of one device group.
func (t *Throttler) DeviceGroupLimits(group, id string) (LimitSet, error) {
	v, ok := t.devGroups.Load(group)
	if !ok {
		return LimitSet{}, &UnknownGroupError{Group: group}
	}
	for _, dg := range v.([]*deviceGroup) {
		if dg.id != id {
			continue
		}
		bps, iops := dg.limitsSnapshot()
		return LimitSet{
			ReadBPS:      limitOut(bps[dirRead]),
			WriteBPS:     limitOut(bps[dirWrite]),
			CombinedBPS:  limitOut(bps[dirCombined]),
			ReadIOPS:     limitOut(iops[dirRead]),
			WriteIOPS:    limitOut(iops[dirWrite]),
			CombinedIOPS: limitOut(iops[dirCombined]),
		}, nil
	}
	return LimitSet{}, &UnknownGroupError{Group: group}
}
