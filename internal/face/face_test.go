package face

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Descriptor
		expected float64
	}{
		{"identical", Descriptor{1, 2, 3}, Descriptor{1, 2, 3}, 0},
		{"unit apart", Descriptor{0, 0}, Descriptor{1, 0}, 1},
		{"pythagorean", Descriptor{0, 0}, Descriptor{3, 4}, 5},
		{"negative components", Descriptor{-1, -1}, Descriptor{-1, -1}, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.expected, Distance(tc.a, tc.b), 1e-9)
		})
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := Descriptor{0.1, 0.5, -0.3, 0.9}
	b := Descriptor{0.4, -0.2, 0.7, 0.0}
	assert.Equal(t, Distance(a, b), Distance(b, a))
	assert.Zero(t, Distance(a, a))
}

func TestDistanceLengthMismatch(t *testing.T) {
	a := Descriptor{1, 2, 3}
	b := Descriptor{1, 2}
	assert.True(t, math.IsInf(Distance(a, b), 1))
	assert.True(t, math.IsInf(Distance(b, a), 1))
	assert.True(t, math.IsInf(Distance(nil, b), 1))
}

func TestNearest(t *testing.T) {
	ds := []Descriptor{
		{0, 0},
		{5, 0},
		{1, 1},
	}
	idx, dist := Nearest(ds, Descriptor{1.1, 1.0})
	assert.Equal(t, 2, idx)
	assert.InDelta(t, 0.1, dist, 1e-6)

	idx, dist = Nearest(nil, Descriptor{1, 1})
	assert.Equal(t, -1, idx)
	assert.True(t, math.IsInf(dist, 1))
}

func TestMean(t *testing.T) {
	ds := []Descriptor{
		{1, 2, 3},
		{3, 4, 5},
	}
	mean := Mean(ds)
	assert.Equal(t, Descriptor{2, 3, 4}, mean)

	assert.Nil(t, Mean(nil))
}

func TestMeanSingle(t *testing.T) {
	d := Descriptor{0.25, -0.5}
	assert.Equal(t, d, Mean([]Descriptor{d}))
}

func TestBoxArea(t *testing.T) {
	b := Box{X: 10, Y: 10, Width: 20, Height: 5}
	assert.Equal(t, float32(100), b.Area())
}

func TestClone(t *testing.T) {
	d := Descriptor{1, 2, 3}
	c := d.Clone()
	c[0] = 9
	assert.Equal(t, float32(1), d[0])
	assert.Nil(t, Descriptor(nil).Clone())
}
