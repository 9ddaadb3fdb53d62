package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultMaxUses(t *testing.T) {
	assert.Equal(t, 1, DefaultMaxUses(PassTypeDaily))
	assert.Equal(t, 11, DefaultMaxUses(PassTypeSeasonal))
	assert.Equal(t, UnlimitedMaxUses, DefaultMaxUses(PassTypeUnlimited))
	assert.Equal(t, 1, DefaultMaxUses(PassType("unknown")))
}

func TestRemainingUses(t *testing.T) {
	tests := []struct {
		name      string
		maxUses   int
		usedCount int
		want      int
	}{
		{"untouched", 11, 0, 11},
		{"partially used", 11, 4, 7},
		{"exhausted", 1, 1, 0},
		{"over-consumed clamps to zero", 1, 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pass := Pass{MaxUses: tt.maxUses, UsedCount: tt.usedCount}
			assert.Equal(t, tt.want, pass.RemainingUses())

			proj := PassProjection{MaxUses: tt.maxUses, UsedCount: tt.usedCount}
			assert.Equal(t, tt.want, proj.RemainingUses())
		})
	}
}
