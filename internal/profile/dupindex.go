package profile

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/coder/hnsw"

	"facelock/internal/face"
)

const dupIndexMaxNeighbors = 16

// DupIndex is a nearest-neighbor index over every stored descriptor (raw and
// mean), used by the enrollment pipeline to reject captures that are
// near-duplicates of another person's face. Rebuilt whenever the store
// changes; enrollment sessions query it once per accepted frame.
type DupIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[string]
}

// NewDupIndex creates an empty index.
func NewDupIndex() *DupIndex {
	return &DupIndex{}
}

// Rebuild replaces the index contents with the given profiles' descriptors.
func (x *DupIndex) Rebuild(profiles []*UserProfile) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(profiles) == 0 {
		x.graph = nil
		return
	}

	g := hnsw.NewGraph[string]()
	g.M = dupIndexMaxNeighbors
	g.Ml = 1.0 / float64(dupIndexMaxNeighbors)
	g.Distance = hnsw.EuclideanDistance

	for _, p := range profiles {
		for i, d := range p.RawDescriptors {
			g.Add(hnsw.MakeNode(fmt.Sprintf("%s/raw/%d", p.ID, i), []float32(d)))
		}
		if p.MeanDescriptor != nil {
			g.Add(hnsw.MakeNode(p.ID+"/mean", []float32(p.MeanDescriptor)))
		}
	}
	x.graph = g
}

// Nearest returns the owning profile id and exact distance of the stored
// descriptor closest to q. ok is false when the index is empty.
func (x *DupIndex) Nearest(q face.Descriptor) (profileID string, dist float64, ok bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.graph == nil {
		return "", math.Inf(1), false
	}

	neighbors := x.graph.Search([]float32(q), 1)
	if len(neighbors) == 0 {
		return "", math.Inf(1), false
	}

	n := neighbors[0]
	id, _, _ := strings.Cut(n.Key, "/")
	// Recompute the exact distance from the stored vector rather than trusting
	// the graph's internal ordering.
	return id, face.Distance(face.Descriptor(n.Value), q), true
}
