package resource

import (
	"cmp"
	"encoding/json"
	"maps"
	"slices"
	"sync"
)

// DiffTracker tracks the server set between polls and detects changes.
type DiffTracker struct {
	mu          sync.RWMutex
	previous    map[string]Resource
	initialized bool
}

// NewDiffTracker creates a new diff tracker.
func NewDiffTracker() *DiffTracker {
	return &DiffTracker{
		previous: make(map[string]Resource),
	}
}

// ComputeDiff compares current servers against the previous snapshot.
// Returns nil before the first Update (baseline establishment).
// Returns an empty slice if nothing changed. Diffs are ordered by key.
func (d *DiffTracker) ComputeDiff(current []Resource) []ResourceDiff {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.initialized {
		return nil
	}

	currentMap := indexResources(current)
	diffs := make([]ResourceDiff, 0)
	diffs = append(diffs, d.findDeletedAndModified(currentMap)...)
	diffs = append(diffs, d.findAdded(currentMap)...)

	slices.SortFunc(diffs, func(a, b ResourceDiff) int {
		return cmp.Compare(a.Resource.Key, b.Resource.Key)
	})
	return diffs
}

// Update stores current as the baseline for future comparisons.
func (d *DiffTracker) Update(current []Resource) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.previous = indexResources(current)
	d.initialized = true
}

func indexResources(resources []Resource) map[string]Resource {
	m := make(map[string]Resource, len(resources))
	for _, r := range resources {
		m[r.Key] = r
	}
	return m
}

func (d *DiffTracker) findDeletedAndModified(currentMap map[string]Resource) []ResourceDiff {
	var diffs []ResourceDiff
	for key, prev := range d.previous {
		prevCopy := prev
		curr, exists := currentMap[key]
		if !exists {
			diffs = append(diffs, ResourceDiff{
				Type:     DiffDeleted,
				Resource: prev,
				Previous: &prevCopy,
			})
			continue
		}
		if changes := detectChanges(prev, curr); len(changes) > 0 {
			diffs = append(diffs, ResourceDiff{
				Type:     DiffModified,
				Resource: curr,
				Previous: &prevCopy,
				Changes:  changes,
			})
		}
	}
	return diffs
}

func (d *DiffTracker) findAdded(currentMap map[string]Resource) []ResourceDiff {
	var diffs []ResourceDiff
	for key, curr := range currentMap {
		if _, exists := d.previous[key]; !exists {
			diffs = append(diffs, ResourceDiff{
				Type:     DiffAdded,
				Resource: curr,
			})
		}
	}
	return diffs
}

// detectChanges compares two snapshots of the same server.
// AssignedAt is part of identity ordering, not an attribute, so it is skipped.
func detectChanges(prev, curr Resource) map[string]Change {
	changes := make(map[string]Change)

	fields := []struct {
		name       string
		prev, curr string
	}{
		{"label", prev.Label, curr.Label},
		{"endpoint", prev.Endpoint, curr.Endpoint},
		{"variant", prev.Variant, curr.Variant},
		{"accelerator", prev.Accelerator, curr.Accelerator},
	}
	for _, f := range fields {
		if f.prev != f.curr {
			changes[f.name] = Change{Previous: f.prev, Current: f.curr}
		}
	}
	// Token values are never recorded, only that they rotated.
	if prev.Token != curr.Token {
		changes["token"] = Change{Previous: redact(prev.Token), Current: redact(curr.Token)}
	}

	if !maps.Equal(prev.Labels, curr.Labels) {
		changes["labels"] = Change{
			Previous: mapToJSON(prev.Labels),
			Current:  mapToJSON(curr.Labels),
		}
	}

	return changes
}

func redact(token string) string {
	if token == "" {
		return ""
	}
	return "***"
}

// mapToJSON converts a map to a deterministic JSON string for comparison.
func mapToJSON(m map[string]string) string {
	if m == nil {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}
