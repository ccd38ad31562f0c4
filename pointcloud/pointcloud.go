// Package pointcloud holds the points of a reconstructed map and reads and writes them as PCD and LAS files.
package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/sfm/scene"
)

// MetaData is data about what's stored in the point cloud.
type MetaData struct {
	HasValue bool

	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

// NewMetaData returns bounds that any point extends.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.MaxFloat64,
		MinY: math.MaxFloat64,
		MinZ: math.MaxFloat64,
		MaxX: -math.MaxFloat64,
		MaxY: -math.MaxFloat64,
		MaxZ: -math.MaxFloat64,
	}
}

// Merge extends the bounds to p.
func (meta *MetaData) Merge(p r3.Vector) {
	meta.MinX, meta.MaxX = math.Min(meta.MinX, p.X), math.Max(meta.MaxX, p.X)
	meta.MinY, meta.MaxY = math.Min(meta.MinY, p.Y), math.Max(meta.MaxY, p.Y)
	meta.MinZ, meta.MaxZ = math.Min(meta.MinZ, p.Z), math.Max(meta.MaxZ, p.Z)
}

// Cloud is an ordered list of points, each with an optional integer value.
type Cloud struct {
	points []r3.Vector
	values []int
	meta   MetaData
}

// New returns an empty cloud.
func New() *Cloud {
	return &Cloud{meta: NewMetaData()}
}

// NewFromPoints returns a cloud of the given points without values.
func NewFromPoints(points []r3.Vector) *Cloud {
	pc := New()
	for _, p := range points {
		pc.Append(p)
	}
	return pc
}

// NewFromScene returns the map points of s in index order, valued by the number of cameras observing each.
func NewFromScene(s *scene.Scene) *Cloud {
	counts := make([]int, s.NumPoints())
	for _, cam := range s.RegisteredCameras() {
		for pt := range s.Observations(cam) {
			counts[pt]++
		}
	}
	pc := New()
	for i, p := range s.Points() {
		pc.AppendWithValue(p, counts[i])
	}
	return pc
}

// Size is the number of points.
func (pc *Cloud) Size() int {
	return len(pc.points)
}

// MetaData returns the bounds of the cloud and whether its points carry values.
func (pc *Cloud) MetaData() MetaData {
	return pc.meta
}

// Append adds a point without a value.
func (pc *Cloud) Append(p r3.Vector) {
	pc.points = append(pc.points, p)
	if pc.values != nil {
		pc.values = append(pc.values, 0)
	}
	pc.meta.Merge(p)
}

// AppendWithValue adds a point with a value. Points appended earlier without one get zero.
func (pc *Cloud) AppendWithValue(p r3.Vector, v int) {
	if pc.values == nil {
		pc.values = make([]int, len(pc.points), len(pc.points)+1)
	}
	pc.points = append(pc.points, p)
	pc.values = append(pc.values, v)
	pc.meta.HasValue = true
	pc.meta.Merge(p)
}

// At returns point i and its value, zero when the cloud has none.
func (pc *Cloud) At(i int) (r3.Vector, int, error) {
	if i < 0 || i >= len(pc.points) {
		return r3.Vector{}, 0, errors.Errorf("point %d out of range [0, %d)", i, len(pc.points))
	}
	if pc.values == nil {
		return pc.points[i], 0, nil
	}
	return pc.points[i], pc.values[i], nil
}

// Points returns a copy of the points.
func (pc *Cloud) Points() []r3.Vector {
	return append([]r3.Vector(nil), pc.points...)
}

// Iterate calls fn for every point in order until it returns false.
func (pc *Cloud) Iterate(fn func(i int, p r3.Vector, v int) bool) {
	for i, p := range pc.points {
		v := 0
		if pc.values != nil {
			v = pc.values[i]
		}
		if !fn(i, p, v) {
			return
		}
	}
}
