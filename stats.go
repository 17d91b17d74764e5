package gothrottle

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// groupDeviceStats counts serviced traffic for one (group, device)
// pair. Atomic so readers never need the device lock.
type groupDeviceStats struct {
	bytes [2]atomic.Uint64
	ops   [2]atomic.Uint64
}

// GroupStats is a point-in-time snapshot of serviced traffic.
type GroupStats struct {
	ReadBytes  uint64
	WriteBytes uint64
	ReadOps    uint64
	WriteOps   uint64
}

type throttlerMetrics struct {
	servicedBytes *prometheus.CounterVec
	servicedOps   *prometheus.CounterVec
	throttled     *prometheus.CounterVec
}

func newThrottlerMetrics(reg prometheus.Registerer) *throttlerMetrics {
	if reg == nil {
		return nil
	}
	m := &throttlerMetrics{
		servicedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gothrottle",
			Name:      "serviced_bytes_total",
			Help:      "Bytes serviced per group, device and direction.",
		}, []string{"group", "device", "direction"}),
		servicedOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gothrottle",
			Name:      "serviced_ops_total",
			Help:      "Requests serviced per group, device and direction.",
		}, []string{"group", "device", "direction"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gothrottle",
			Name:      "throttled_total",
			Help:      "Requests queued at admission per group, device and direction.",
		}, []string{"group", "device", "direction"}),
	}
	reg.MustRegister(m.servicedBytes, m.servicedOps, m.throttled)
	return m
}

// accountServiced credits the request to its originating group on its
// target device. Requests for groups never materialized on the device
// are credited to the nearest materialized ancestor.
//
// The charging path passes the device it already resolved, which keeps
// requests flushed during device removal accounted even though the
// device is no longer in the registry. A nil dev (a charge landing on
// a device-group aggregate first) falls back to the registry.
func (t *Throttler) accountServiced(dev *deviceState, req *Request) {
	if dev == nil {
		v, ok := t.devices.Load(req.Device)
		if !ok {
			return
		}
		dev = v.(*deviceState)
	}
	tg := dev.lookupTG(req.Group)

	d := int(req.Dir)
	tg.stats.bytes[d].Add(req.Bytes)
	tg.stats.ops[d].Add(1)

	if m := t.metrics; m != nil {
		m.servicedBytes.WithLabelValues(tg.group, req.Device, req.Dir.String()).Add(float64(req.Bytes))
		m.servicedOps.WithLabelValues(tg.group, req.Device, req.Dir.String()).Inc()
	}
}

func (t *Throttler) accountThrottled(req *Request) {
	if m := t.metrics; m != nil {
		m.throttled.WithLabelValues(req.Group, req.Device, req.Dir.String()).Inc()
	}
}

func (s *groupDeviceStats) snapshot() GroupStats {
	return GroupStats{
		ReadBytes:  s.bytes[dirRead].Load(),
		WriteBytes: s.bytes[dirWrite].Load(),
		ReadOps:    s.ops[dirRead].Load(),
		WriteOps:   s.ops[dirWrite].Load(),
	}
}

func (s *groupDeviceStats) reset() {
	for d := 0; d < 2; d++ {
		s.bytes[d].Store(0)
		s.ops[d].Store(0)
	}
}

func (a GroupStats) add(b GroupStats) GroupStats {
	a.ReadBytes += b.ReadBytes
	a.WriteBytes += b.WriteBytes
	a.ReadOps += b.ReadOps
	a.WriteOps += b.WriteOps
	return a
}

// Stats reports the traffic serviced for the group itself on the given
// device. Traffic of descendant groups is not included; see
// StatsRecursive.
func (t *Throttler) Stats(group, device string) (GroupStats, error) {
	v, ok := t.devices.Load(device)
	if !ok {
		return GroupStats{}, &UnknownDeviceError{Device: device}
	}
	dev := v.(*deviceState)

	g, ok := dev.groups.Load(group)
	if !ok {
		return GroupStats{}, &UnknownGroupError{Group: group}
	}
	return g.(*throttleGroup).stats.snapshot(), nil
}

// StatsRecursive reports the traffic serviced for the group and every
// materialized descendant on the given device.
func (t *Throttler) StatsRecursive(group, device string) (GroupStats, error) {
	v, ok := t.devices.Load(device)
	if !ok {
		return GroupStats{}, &UnknownDeviceError{Device: device}
	}
	dev := v.(*deviceState)

	if _, ok := dev.groups.Load(group); !ok {
		return GroupStats{}, &UnknownGroupError{Group: group}
	}

	var total GroupStats
	dev.groups.Range(func(k, gv interface{}) bool {
		if t.isAncestorOrSelf(group, k.(string)) {
			total = total.add(gv.(*throttleGroup).stats.snapshot())
		}
		return true
	})
	return total, nil
}

// ResetStats zeroes the group's own counters on the given device. The
// exported metrics are cumulative and unaffected.
func (t *Throttler) ResetStats(group, device string) error {
	v, ok := t.devices.Load(device)
	if !ok {
		return &UnknownDeviceError{Device: device}
	}
	dev := v.(*deviceState)

	g, ok := dev.groups.Load(group)
	if !ok {
		return &UnknownGroupError{Group: group}
	}
	g.(*throttleGroup).stats.reset()
	return nil
}
