// Package filter narrows the assigned servers a client may bind to.
package filter

import (
	"github.com/yairfalse/tether/pkg/resource"
)

// Filter controls which runtime variants and labels are acceptable.
type Filter struct {
	excludeVariants map[string]bool
	includeLabels   map[string]string
	excludeLabels   map[string]string
}

// New creates a new Filter from the provided configuration.
func New(excludeVariants []string, includeLabels, excludeLabels map[string]string) *Filter {
	excludeMap := make(map[string]bool)
	for _, v := range excludeVariants {
		excludeMap[v] = true
	}

	return &Filter{
		excludeVariants: excludeMap,
		includeLabels:   includeLabels,
		excludeLabels:   excludeLabels,
	}
}

// AllowsVariant returns true unless the variant is excluded.
func (f *Filter) AllowsVariant(variant string) bool {
	return !f.excludeVariants[variant]
}

// Matches returns true if the server passes variant and label filters.
func (f *Filter) Matches(r resource.Resource) bool {
	if !f.AllowsVariant(r.Variant) {
		return false
	}

	// Include labels: ALL must match
	for k, v := range f.includeLabels {
		if r.Labels == nil || r.Labels[k] != v {
			return false
		}
	}

	// Exclude labels: ANY match excludes
	for k, v := range f.excludeLabels {
		if r.Labels != nil && r.Labels[k] == v {
			return false
		}
	}

	return true
}

// Apply returns only servers that pass the filter.
func (f *Filter) Apply(servers []resource.Resource) []resource.Resource {
	if f.IsEmpty() {
		return servers
	}

	filtered := make([]resource.Resource, 0, len(servers))
	for _, r := range servers {
		if f.Matches(r) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.excludeVariants) == 0 && len(f.includeLabels) == 0 && len(f.excludeLabels) == 0
}
