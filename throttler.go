package gothrottle

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
)

// Request is one I/O request to be gated by the throttler.
//
// Submit decides whether the caller may proceed immediately or whether
// the request is held back and handed to the configured IssueFunc once
// its turn comes. A Request must not be reused after submission.
type Request struct {
	// Group is the resource group the request is accounted against.
	// The empty string addresses the root (default) group.
	Group string

	// Device identifies the device the request targets. It must have
	// been registered with AddDevice.
	Device string

	// Dir is the request direction, Read or Write.
	Dir Direction

	// Bytes is the request payload size used for byte-rate accounting.
	Bytes uint64

	// charged prevents double throttling: once a request has been
	// charged to its group it passes through untouched on any
	// subsequent submission.
	charged bool

	// dgs are the device groups the request must clear before it can
	// be issued, captured at admission; dgNext is the first not yet
	// cleared. A request waits on at most one device group at a time.
	dgs    []*deviceGroup
	dgNext int

	// dgClaim marks that shared budget for dgs[dgNext] was consumed
	// when the dispatch loop claimed the request, so dispatchOne must
	// not charge it again.
	dgClaim bool
}

// Throttler enforces per-group bandwidth and rate ceilings on requests
// flowing towards a set of registered devices.
//
// Build instances with New.
type Throttler struct {
	logger    Logger
	clk       clock.Clock
	cfg       *effectiveConfig
	issue     func(*Request)
	hierarchy GroupHierarchy
	metrics   *throttlerMetrics

	// mu serializes configuration mutation: device add/remove, rule
	// changes and shutdown. The data paths read the registries below
	// without it.
	mu     sync.Mutex
	closed bool

	// devices maps device id -> *deviceState.
	devices sync.Map

	// devGroups maps owner group -> []*deviceGroup. Slices are
	// replaced wholesale under mu so readers see consistent values.
	devGroups sync.Map

	// rulesMu guards ruleStore alone and is ordered after every other
	// lock, so rule records can be read from any path.
	rulesMu   sync.Mutex
	ruleStore map[string]map[string]*storedLimits
}

func (t *Throttler) nowMs() int64 {
	return t.clk.Now().UnixMilli()
}

func (t *Throttler) slicePeriod() int64 {
	return t.cfg.slicePeriodMs
}

// deviceState holds everything the throttler tracks for one device: the
// top-level service queue, the per-group scheduling entities and the
// issue worker draining requests that reached the top.
//
// A single lock serializes all mutation of the device's queues and
// group state; the admission path, the dispatch timers and the issue
// worker all take it.
type deviceState struct {
	t  *Throttler
	id string

	mu sync.Mutex

	// sq is the top-level service queue. It has no parent; requests
	// that reach its lists are ready to be issued.
	sq serviceQueue

	// root is the scheduling entity of the root group on this device.
	root *throttleGroup

	// groups maps group id -> *throttleGroup, read lock-free on the
	// admission fast path and mutated under mu.
	groups sync.Map

	// memberTGs are device-group member entities bound to this
	// device, kept so drain and teardown can reach them.
	memberTGs []*throttleGroup

	// nrQueued counts requests queued anywhere below this device's
	// top-level queue, per direction.
	nrQueued [2]int

	pendingSeq uint64

	// draining suppresses the device-group gate so a flush cannot be
	// re-queued by a shared limit. Guarded by mu.
	draining bool

	quiescing atomic.Bool

	issueKick  chan struct{}
	workerDone chan struct{}
}

func (dev *deviceState) nowMs() int64 {
	return dev.t.nowMs()
}

// nextPendingSeq hands out insertion order for the pending trees.
// Called with the device lock held.
func (dev *deviceState) nextPendingSeq() uint64 {
	dev.pendingSeq++
	return dev.pendingSeq
}

// AddDevice registers a device with the throttler and starts its issue
// worker. The root group entity is created eagerly so lookups always
// have a fallback.
func (t *Throttler) AddDevice(id string) error {
	if id == "" {
		return fmt.Errorf("device id must not be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("throttler is closed")
	}
	if _, exists := t.devices.Load(id); exists {
		return fmt.Errorf("device %q is already registered", id)
	}

	dev := &deviceState{
		t:          t,
		id:         id,
		issueKick:  make(chan struct{}, 1),
		workerDone: make(chan struct{}),
	}
	dev.sq.init(dev, nil, nil)
	dev.root = newThrottleGroup(t, dev, "", &dev.sq)
	dev.groups.Store("", dev.root)

	t.devices.Store(id, dev)
	go dev.issueWorker()

	t.logger.Debug(fmt.Sprintf("registered device %q", id))
	return nil
}

// RemoveDevice drains and unregisters a device. Queued requests are
// issued, not dropped; submissions racing with the removal get a
// transient quiescing error and should retry elsewhere.
func (t *Throttler) RemoveDevice(id string) error {
	t.mu.Lock()
	v, ok := t.devices.Load(id)
	if !ok {
		t.mu.Unlock()
		return &UnknownDeviceError{Device: id}
	}
	dev := v.(*deviceState)
	t.devices.Delete(id)
	t.mu.Unlock()

	dev.quiescing.Store(true)
	t.drainDevice(dev)
	dev.shutdown()

	t.logger.Debug(fmt.Sprintf("removed device %q", id))
	return nil
}

// RemoveGroup drops the structural reference of the group and every
// descendant on every device. Group state survives until its last
// queued request has drained, so late readers still see frozen
// statistics, and is then discarded.
func (t *Throttler) RemoveGroup(group string) error {
	if group == "" {
		return fmt.Errorf("the root group cannot be removed")
	}
	found := false
	t.devices.Range(func(_, v interface{}) bool {
		dev := v.(*deviceState)
		dev.groups.Range(func(k, gv interface{}) bool {
			g := k.(string)
			if g != "" && t.isAncestorOrSelf(group, g) {
				found = true
				gv.(*throttleGroup).release()
			}
			return true
		})
		return true
	})

	// Detach the subtree's rules and device groups as well. Member
	// entities still draining keep their direct reference to the
	// device group until their backlog empties.
	t.dropStoredRules(group)
	t.devGroups.Range(func(k, _ interface{}) bool {
		g := k.(string)
		if t.isAncestorOrSelf(group, g) {
			if _, had := t.devGroups.LoadAndDelete(g); had {
				found = true
			}
		}
		return true
	})

	if !found {
		return &UnknownGroupError{Group: group}
	}
	return nil
}

// Drain immediately dispatches every request queued below the given
// device, ignoring limits, and issues them. Used when a device is about
// to go away or the caller needs the pipeline flushed.
func (t *Throttler) Drain(device string) error {
	v, ok := t.devices.Load(device)
	if !ok {
		return &UnknownDeviceError{Device: device}
	}
	t.drainDevice(v.(*deviceState))
	return nil
}

// drainDevice walks group entities deepest-first so every queued
// request is forwarded level by level into the top-level queue, then
// issues the lot outside the lock.
func (t *Throttler) drainDevice(dev *deviceState) {
	dev.mu.Lock()
	dev.draining = true

	var tgs []*throttleGroup
	dev.groups.Range(func(_, v interface{}) bool {
		tgs = append(tgs, v.(*throttleGroup))
		return true
	})
	tgs = append(tgs, dev.memberTGs...)
	sort.Slice(tgs, func(i, j int) bool {
		return t.groupDepth(tgs[i]) > t.groupDepth(tgs[j])
	})

	for _, tg := range tgs {
		dev.drainTG(tg)
	}

	// Every request below the top level must have been forwarded by
	// now; the per-device counters are the cross-check.
	if dev.nrQueued[dirRead] != 0 || dev.nrQueued[dirWrite] != 0 {
		err := &InvariantViolationError{Detail: fmt.Sprintf(
			"device %q reports %d/%d queued requests after a full drain",
			dev.id, dev.nrQueued[dirRead], dev.nrQueued[dirWrite])}
		t.logger.Error(err.Error())
		dev.nrQueued[dirRead] = 0
		dev.nrQueued[dirWrite] = 0
	}

	out := dev.collectReady()
	dev.draining = false
	dev.mu.Unlock()

	for _, req := range out {
		t.issue(req)
	}
}

// drainTG forwards everything queued at one entity to its parent level.
// Called with the device lock held; parents must be drained after their
// children.
func (dev *deviceState) drainTG(tg *throttleGroup) {
	if tg.sq.parent != nil {
		tg.sq.parent.dequeueTG(tg)
	}
	for peekQueued(tg.sq.queued[dirRead]) != nil {
		dev.dispatchOne(tg, dirRead)
	}
	for peekQueued(tg.sq.queued[dirWrite]) != nil {
		dev.dispatchOne(tg, dirWrite)
	}
}

// groupDepth is the number of ancestors of the entity's group; device
// group members sit directly below the top level.
func (t *Throttler) groupDepth(tg *throttleGroup) int {
	if tg.synthetic {
		return 1
	}
	depth := 0
	g := tg.group
	for g != "" {
		p, ok := t.hierarchy.Parent(g)
		if !ok {
			p = ""
		}
		g = p
		depth++
		if depth > maxHierarchyDepth {
			break
		}
	}
	return depth
}

// Close drains and removes every device and shuts the throttler down.
// Submissions after Close fail with an unknown-device error.
func (t *Throttler) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	var ids []string
	t.devices.Range(func(k, _ interface{}) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)

	for _, id := range ids {
		if err := t.RemoveDevice(id); err != nil {
			return fmt.Errorf("error removing device %q on close: %w", id, err)
		}
	}
	return nil
}

// shutdown stops the device's timers and its issue worker. The caller
// already drained the queues.
func (dev *deviceState) shutdown() {
	dev.mu.Lock()
	dev.sq.stopTimer()
	dev.groups.Range(func(_, v interface{}) bool {
		v.(*throttleGroup).sq.stopTimer()
		return true
	})
	for _, tg := range dev.memberTGs {
		tg.sq.stopTimer()
		if tg.dg != nil {
			tg.dg.removeMember(dev.id)
		}
	}
	dev.groups.Range(func(_, v interface{}) bool {
		v.(*throttleGroup).release()
		return true
	})
	dev.mu.Unlock()

	close(dev.issueKick)
	<-dev.workerDone
}

// finalizeGroup discards a group whose last reference was dropped.
func (dev *deviceState) finalizeGroup(tg *throttleGroup) {
	if tg.removed.Load() {
		dev.groups.Delete(tg.group)
	}
}

// kickIssueWorker wakes the issue worker; coalesces with a pending
// wake-up.
func (dev *deviceState) kickIssueWorker() {
	select {
	case dev.issueKick <- struct{}{}:
	default:
	}
}

// issueWorker is the single consumer of the device's top-level queue.
// It collects ready requests under the lock and issues them without it,
// so issuance blocking on the device never stalls admission.
func (dev *deviceState) issueWorker() {
	defer close(dev.workerDone)
	for range dev.issueKick {
		dev.mu.Lock()
		out := dev.collectReady()
		dev.mu.Unlock()

		for _, req := range out {
			dev.t.issue(req)
		}
	}
}

// collectReady pops everything queued on the top-level lists. Called
// with the device lock held.
func (dev *deviceState) collectReady() []*Request {
	var out []*Request
	for rw := 0; rw < 2; rw++ {
		for {
			req, tgToPut := popQueued(dev.sq.queued[rw])
			if req == nil {
				break
			}
			dev.sq.nrQueued[rw]--
			out = append(out, req)
			if tgToPut != nil {
				tgToPut.put()
			}
		}
	}
	return out
}
