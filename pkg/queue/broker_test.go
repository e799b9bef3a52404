package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopology_Validate(t *testing.T) {
	tests := []struct {
		name     string
		topology Topology
		wantErr  bool
	}{
		{
			name: "valid",
			topology: Topology{
				Queues:    []string{"a", "b"},
				Exchanges: []string{"x"},
				Bindings:  map[string]string{"a": "x", "b": "x"},
			},
			wantErr: false,
		},
		{
			name:     "no queues",
			topology: Topology{Exchanges: []string{"x"}},
			wantErr:  true,
		},
		{
			name: "binding to unknown exchange",
			topology: Topology{
				Queues:   []string{"a"},
				Bindings: map[string]string{"a": "missing"},
			},
			wantErr: true,
		},
		{
			name: "binding from unknown queue",
			topology: Topology{
				Queues:    []string{"a"},
				Exchanges: []string{"x"},
				Bindings:  map[string]string{"ghost": "x"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.topology.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTopology_ExchangeQueues(t *testing.T) {
	topology := Topology{
		Queues:    []string{"granules", "collections", "other"},
		Exchanges: []string{"catalog-events", "empty"},
		Bindings: map[string]string{
			"collections": "catalog-events",
			"granules":    "catalog-events",
		},
	}

	assert.Equal(t, []string{"collections", "granules"},
		topology.ExchangeQueues("catalog-events"))
	assert.Empty(t, topology.ExchangeQueues("empty"))
	assert.True(t, topology.HasExchange("empty"))
	assert.False(t, topology.HasExchange("missing"))
}
