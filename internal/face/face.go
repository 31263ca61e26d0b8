// Package face defines the descriptor data model shared by the enrollment and
// verification pipelines, and the distance metric used to compare descriptors.
package face

import "math"

// DescriptorLen is the descriptor length produced by the recognition model.
const DescriptorLen = 128

// Descriptor is a fixed-length face embedding. Immutable once produced.
type Descriptor []float32

// Point is a single landmark coordinate in frame pixel space.
type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// Box is a face bounding region in frame pixel space.
type Box struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

// Area returns the box area in square pixels.
func (b Box) Area() float32 {
	return b.Width * b.Height
}

// Detection is one face found in a single frame: score, region, landmarks and
// the descriptor extracted from the aligned crop. Detections are transient and
// never persisted individually.
type Detection struct {
	Score      float32    `json:"score"`
	Box        Box        `json:"box"`
	Landmarks  []Point    `json:"landmarks,omitempty"`
	Descriptor Descriptor `json:"descriptor"`
	Crop       []byte     `json:"-"` // cropped face JPEG, for preview refs
}

// Distance returns the Euclidean distance between two descriptors.
// Mismatched lengths return +Inf so callers can treat any malformed pair as a
// guaranteed non-match instead of handling an error on the hot path.
func Distance(a, b Descriptor) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Nearest returns the index and distance of the descriptor in ds closest to q.
// Returns (-1, +Inf) when ds is empty.
func Nearest(ds []Descriptor, q Descriptor) (int, float64) {
	best := -1
	bestDist := math.Inf(1)
	for i, d := range ds {
		if dist := Distance(d, q); dist < bestDist {
			best = i
			bestDist = dist
		}
	}
	return best, bestDist
}

// Mean returns the elementwise average of the given descriptors. Used as a
// robust single-vector identity anchor once enrollment completes. Returns nil
// for an empty input.
func Mean(ds []Descriptor) Descriptor {
	if len(ds) == 0 {
		return nil
	}
	mean := make(Descriptor, len(ds[0]))
	for _, d := range ds {
		for i := range mean {
			mean[i] += d[i]
		}
	}
	n := float32(len(ds))
	for i := range mean {
		mean[i] /= n
	}
	return mean
}

// Clone returns a copy of the descriptor.
func (d Descriptor) Clone() Descriptor {
	if d == nil {
		return nil
	}
	out := make(Descriptor, len(d))
	copy(out, d)
	return out
}
