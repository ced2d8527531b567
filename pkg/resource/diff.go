package resource

// DiffType represents the type of change detected.
type DiffType string

const (
	// DiffAdded indicates a newly assigned server.
	DiffAdded DiffType = "added"
	// DiffDeleted indicates a server is no longer assigned.
	DiffDeleted DiffType = "deleted"
	// DiffModified indicates a server's attributes changed.
	DiffModified DiffType = "modified"
)

// Change represents a single field change.
// The field name is the map key in ResourceDiff.Changes.
type Change struct {
	Previous string
	Current  string
}

// ResourceDiff represents a detected change in a server.
type ResourceDiff struct {
	Type     DiffType
	Resource Resource
	Previous *Resource         // nil for added servers
	Changes  map[string]Change // field name → change details
}

// ToChangeEvent groups diffs into a ChangeEvent.
func ToChangeEvent(diffs []ResourceDiff) ChangeEvent {
	var ev ChangeEvent
	for _, d := range diffs {
		switch d.Type {
		case DiffAdded:
			ev.Added = append(ev.Added, d.Resource)
		case DiffDeleted:
			ev.Removed = append(ev.Removed, d.Resource)
		case DiffModified:
			ev.Changed = append(ev.Changed, d.Resource)
		}
	}
	return ev
}
