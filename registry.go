package gothrottle

import (
	"fmt"
	"strings"
)

// GroupHierarchy resolves the parent of a resource group. Parent returns
// the parent group id and true, or false when the group is a top-level
// child of the root.
//
// Implementations must be safe for concurrent use and must describe a
// stable tree: a group's parent chain may not change while requests for
// it are in flight.
type GroupHierarchy interface {
	Parent(group string) (string, bool)
}

// maxHierarchyDepth bounds the ancestor chain walked when materializing
// a group. A deeper (typically cyclic) chain falls back to the root
// group instead of recursing forever.
const maxHierarchyDepth = 64

// pathHierarchy derives the tree from slash-separated group ids, so
// "tenants/acme/batch" is a child of "tenants/acme". It is the default
// hierarchy when none is configured.
type pathHierarchy struct{}

func (pathHierarchy) Parent(group string) (string, bool) {
	i := strings.LastIndexByte(group, '/')
	if i < 0 {
		return "", false
	}
	return group[:i], true
}

// lookupTG returns the scheduling entity of the group on this device
// without creating anything, falling back to the nearest materialized
// ancestor when the group itself was never seen here. The ancestor's
// rule mask is exactly what the group would inherit, which is all the
// admission fast path needs. Lock-free.
func (dev *deviceState) lookupTG(group string) *throttleGroup {
	for depth := 0; depth <= maxHierarchyDepth; depth++ {
		if v, ok := dev.groups.Load(group); ok {
			return v.(*throttleGroup)
		}
		p, ok := dev.t.hierarchy.Parent(group)
		if !ok {
			p = ""
		}
		group = p
	}
	return dev.root
}

// lookupCreateTG returns the group's entity on this device, creating it
// and any missing ancestors first. Called with the device lock held.
//
// Creation walks the parent chain bottom-up to find the nearest
// materialized ancestor, then builds downwards so every new entity is
// wired to an existing parent queue and inherits a correct rule mask.
func (dev *deviceState) lookupCreateTG(group string) *throttleGroup {
	if v, ok := dev.groups.Load(group); ok {
		return v.(*throttleGroup)
	}

	// The root group always exists, so the walk terminates there at the
	// latest.
	chain := []string{group}
	var parentTG *throttleGroup
	g := group
	for {
		p, ok := dev.t.hierarchy.Parent(g)
		if !ok {
			p = ""
		}
		if v, exists := dev.groups.Load(p); exists {
			parentTG = v.(*throttleGroup)
			break
		}
		chain = append(chain, p)
		g = p
		if len(chain) > maxHierarchyDepth {
			dev.t.logger.Error(fmt.Sprintf(
				"group %q exceeds the maximum hierarchy depth, falling back to the root group", group))
			return dev.root
		}
	}

	for i := len(chain) - 1; i >= 0; i-- {
		tg := newThrottleGroup(dev.t, dev, chain[i], &parentTG.sq)
		dev.t.applyStoredRules(tg)
		tg.updateHasRules()
		dev.groups.Store(chain[i], tg)
		parentTG = tg
	}
	return parentTG
}
