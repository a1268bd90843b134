package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThreshold_FirstTen(t *testing.T) {
	// thresh(L) = 100*L + 10*L^2 for L <= 10
	want := []int64{110, 240, 390, 560, 750, 960, 1190, 1440, 1710, 2000}
	for l := 1; l <= 10; l++ {
		assert.Equal(t, want[l-1], Threshold(l), "level %d", l)
	}
}

func TestThreshold_Monotonic(t *testing.T) {
	prev := int64(-1)
	for l := 0; l <= maxLevel; l++ {
		cur := Threshold(l)
		assert.Greater(t, cur, prev, "threshold must grow at level %d", l)
		prev = cur
	}
}

func TestLevelForXP(t *testing.T) {
	tests := []struct {
		xp   int64
		want int
	}{
		{0, 0},
		{-5, 0},
		{109, 0},
		{110, 1},
		{239, 1},
		{240, 2},
		{2000, 10},
		{Threshold(11), 11},
		{Threshold(11) - 1, 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelForXP(tt.xp), "xp=%d", tt.xp)
	}
}
