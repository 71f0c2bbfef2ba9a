package download

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		size     int64
		chunk    int64
		existing int64
		want     []Chunk
	}{
		{"fresh even split", 3000, 1000, 0, []Chunk{{0, 1000}, {1000, 2000}, {2000, 3000}}},
		{"short tail", 2500, 1000, 0, []Chunk{{0, 1000}, {1000, 2000}, {2000, 2500}}},
		{"resume mid chunk", 2500, 1000, 1500, []Chunk{{1500, 2000}, {2000, 2500}}},
		{"resume on boundary", 2500, 1000, 2000, []Chunk{{2000, 2500}}},
		{"already complete", 2500, 1000, 2500, nil},
		{"existing beyond size", 2500, 1000, 9000, nil},
		{"smaller than chunk", 10, 1000, 0, []Chunk{{0, 10}}},
		{"no chunking", 2500, 0, 100, []Chunk{{100, 2500}}},
		{"negative existing", 5, 2, -3, []Chunk{{0, 2}, {2, 4}, {4, 5}}},
		{"empty file", 0, 1000, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Plan(tt.size, tt.chunk, tt.existing))
		})
	}
}

func TestPlanCoversRangeExactly(t *testing.T) {
	t.Parallel()

	for _, existing := range []int64{0, 1, 999, 1000, 1001, 4321} {
		chunks := Plan(5000, 1000, existing)
		next := existing
		for _, c := range chunks {
			assert.Equal(t, next, c.Start)
			assert.Positive(t, c.Width())
			assert.LessOrEqual(t, c.Width(), int64(1000))
			if c.End != 5000 {
				assert.Zero(t, c.End%1000, "chunk end %d off boundary", c.End)
			}
			next = c.End
		}
		assert.Equal(t, int64(5000), next)
	}
}
