// Package resource defines the assigned-server model shared by tether's
// components.
package resource

import (
	"fmt"
	"time"
)

// Resource is a remote Jupyter server assigned to this client.
type Resource struct {
	Key         string            `json:"key"`                   // Stable identity (assignment endpoint id)
	Label       string            `json:"label"`                 // Human-readable name
	Endpoint    string            `json:"endpoint"`              // Base URL of the Jupyter server
	Token       string            `json:"token,omitempty"`       // Jupyter API token
	Variant     string            `json:"variant"`               // "default", "gpu", "tpu"
	Accelerator string            `json:"accelerator,omitempty"` // e.g. "T4", "A100"
	Labels      map[string]string `json:"labels,omitempty"`      // Free-form labels used by filters
	AssignedAt  time.Time         `json:"assigned_at"`           // When the backend assigned it
}

// Validate checks the fields every component relies on.
func (r Resource) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("resource key is required")
	}
	if r.Endpoint == "" {
		return fmt.Errorf("resource %s: endpoint is required", r.Key)
	}
	return nil
}

// String returns the label, or the key when no label is set.
func (r Resource) String() string {
	if r.Label != "" {
		return r.Label
	}
	return r.Key
}

// ChangeEvent describes how the set of assigned servers moved.
// Only Added and Removed change which server should be active; Changed
// carries new attributes for servers that are still assigned.
type ChangeEvent struct {
	Added   []Resource
	Removed []Resource
	Changed []Resource
}

// Empty reports whether the event carries nothing.
func (e ChangeEvent) Empty() bool {
	return len(e.Added) == 0 && len(e.Removed) == 0 && len(e.Changed) == 0
}

// AffectsMembership reports whether servers were added or removed.
func (e ChangeEvent) AffectsMembership() bool {
	return len(e.Added) > 0 || len(e.Removed) > 0
}
