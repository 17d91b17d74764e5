package gothrottle

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultSlicePeriod  = 100 * time.Millisecond
	defaultGroupQuantum = 8
	defaultTotalQuantum = 32
)

// Config collects the parameters for a new Throttler.
// Only IssueFunc is required; zero values pick sensible defaults.
type Config struct {
	// IssueFunc receives every request that was queued, once its turn
	// comes. It runs outside the throttler's locks and may block
	// without stalling admission; it must not resubmit the request.
	IssueFunc func(*Request)

	// SlicePeriod is the accounting window of the token buckets.
	// Defaults to 100ms. Shorter periods follow rate changes faster,
	// longer periods tolerate burstier traffic.
	SlicePeriod time.Duration

	// GroupQuantum caps the requests dispatched from a single group in
	// one scheduling round. Defaults to 8.
	GroupQuantum int

	// TotalQuantum caps the requests dispatched across all groups in
	// one scheduling round. Defaults to 32.
	TotalQuantum int

	// Hierarchy resolves the parent of a resource group. Defaults to
	// treating group ids as slash-separated paths.
	Hierarchy GroupHierarchy

	// Logger for diagnostics. Defaults to the standard library logger;
	// use NewNoOpLogger to silence it.
	Logger Logger

	// Clock is the time source. Overridable for tests; defaults to the
	// wall clock.
	Clock clock.Clock

	// Registerer optionally receives the throttler's metrics. Nil
	// disables metrics.
	Registerer prometheus.Registerer
}

type effectiveConfig struct {
	slicePeriodMs int64
	groupQuantum  int
	totalQuantum  int
}

func validateConfiguration(config *Config) (*effectiveConfig, error) {
	if config == nil {
		return nil, fmt.Errorf("a configuration is required")
	}
	if config.IssueFunc == nil {
		return nil, fmt.Errorf("an IssueFunc is required")
	}
	if config.SlicePeriod < 0 {
		return nil, fmt.Errorf("SlicePeriod must not be negative")
	}
	if config.GroupQuantum < 0 || config.TotalQuantum < 0 {
		return nil, fmt.Errorf("quanta must not be negative")
	}

	out := &effectiveConfig{
		slicePeriodMs: defaultSlicePeriod.Milliseconds(),
		groupQuantum:  defaultGroupQuantum,
		totalQuantum:  defaultTotalQuantum,
	}
	if config.SlicePeriod > 0 {
		out.slicePeriodMs = config.SlicePeriod.Milliseconds()
		if out.slicePeriodMs < 1 {
			return nil, fmt.Errorf("SlicePeriod must be at least one millisecond")
		}
	}
	if config.GroupQuantum > 0 {
		out.groupQuantum = config.GroupQuantum
	}
	if config.TotalQuantum > 0 {
		out.totalQuantum = config.TotalQuantum
	}
	if out.totalQuantum < out.groupQuantum {
		return nil, fmt.Errorf("TotalQuantum must not be smaller than GroupQuantum")
	}
	return out, nil
}

// New builds a Throttler from the given configuration.
// Devices are registered separately with AddDevice.
func New(config *Config) (*Throttler, error) {
	cfg, err := validateConfiguration(config)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	t := &Throttler{
		cfg:       cfg,
		issue:     config.IssueFunc,
		hierarchy: config.Hierarchy,
		logger:    config.Logger,
		clk:       config.Clock,
		ruleStore: make(map[string]map[string]*storedLimits),
	}
	if t.hierarchy == nil {
		t.hierarchy = pathHierarchy{}
	}
	if t.logger == nil {
		t.logger = defaultLogger{}
	}
	if t.clk == nil {
		t.clk = clock.New()
	}
	t.metrics = newThrottlerMetrics(config.Registerer)

	return t, nil
}
