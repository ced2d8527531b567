package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yairfalse/tether/pkg/resource"
)

func TestAllowsVariant(t *testing.T) {
	assert.True(t, New(nil, nil, nil).AllowsVariant("tpu"))

	f := New([]string{"tpu"}, nil, nil)
	assert.True(t, f.AllowsVariant("gpu"))
	assert.False(t, f.AllowsVariant("tpu"))
}

func TestMatches(t *testing.T) {
	prodGPU := resource.Resource{
		Key:     "m-1",
		Variant: "gpu",
		Labels:  map[string]string{"env": "prod", "team": "ml"},
	}

	tests := []struct {
		name   string
		filter *Filter
		server resource.Resource
		want   bool
	}{
		{"no filters", New(nil, nil, nil), prodGPU, true},
		{"include match", New(nil, map[string]string{"env": "prod"}, nil), prodGPU, true},
		{"include all required", New(nil, map[string]string{"env": "prod", "team": "web"}, nil), prodGPU, false},
		{"include without labels", New(nil, map[string]string{"env": "prod"}, nil), resource.Resource{Key: "m-2"}, false},
		{"exclude match", New(nil, nil, map[string]string{"team": "ml"}), prodGPU, false},
		{"exclude no match", New(nil, nil, map[string]string{"team": "web"}), prodGPU, true},
		{"variant excluded", New([]string{"gpu"}, nil, nil), prodGPU, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.server))
		})
	}
}

func TestApply(t *testing.T) {
	servers := []resource.Resource{
		{Key: "a", Variant: "gpu", Labels: map[string]string{"env": "prod"}},
		{Key: "b", Variant: "tpu", Labels: map[string]string{"env": "prod"}},
		{Key: "c", Variant: "gpu", Labels: map[string]string{"env": "dev"}},
	}

	empty := New(nil, nil, nil)
	assert.True(t, empty.IsEmpty())
	assert.Equal(t, servers, empty.Apply(servers))

	f := New([]string{"tpu"}, map[string]string{"env": "prod"}, nil)
	assert.False(t, f.IsEmpty())
	got := f.Apply(servers)
	assert.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Key)
}
