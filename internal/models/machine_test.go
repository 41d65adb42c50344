package models

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestMachineEligible(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		m    Machine
		want bool
	}{
		{"free", Machine{Enabled: true, Online: true}, true},
		{"disabled", Machine{Enabled: false, Online: true}, false},
		{"offline", Machine{Enabled: true, Online: false}, false},
		{"reserved", Machine{Enabled: true, Online: true, Reserved: true}, false},
		{"held", Machine{Enabled: true, Online: true, HeldUntil: &future}, false},
		{"stale hold", Machine{Enabled: true, Online: true, HeldUntil: &past}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.m.Eligible(now), tc.want)
		})
	}
}
