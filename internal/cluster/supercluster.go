// Package cluster implements hierarchical greedy radius clustering of
// point features across discrete zoom levels, with tile extraction and
// cluster-to-leaves expansion. The algorithm and the id-encoding scheme
// follow the supercluster design: ids are derived from the origin point
// index and creation zoom, so repeated builds over identical input
// produce identical output.
package cluster

import (
	"errors"
	"math"
)

// ErrNoCluster is returned when a cluster id does not exist in the index.
var ErrNoCluster = errors.New("no cluster with the specified id")

// Options configures an index build.
type Options struct {
	MinZoom  int     // minimum zoom to generate clusters on
	MaxZoom  int     // maximum zoom to cluster points on
	Radius   float64 // cluster radius in pixels
	Extent   float64 // tile extent; radius is relative to it
	NodeSize int     // kd-tree leaf size
}

// DefaultOptions mirror the common interactive-map configuration.
func DefaultOptions() Options {
	return Options{MinZoom: 0, MaxZoom: 16, Radius: 60, Extent: 512, NodeSize: 64}
}

// Point is one input point; ID is the underlying entity id.
type Point struct {
	Lon float64
	Lat float64
	ID  int64
}

// Feature is one tile/query result: either a cluster or a single leaf.
type Feature struct {
	Lon        float64 `json:"lon"`
	Lat        float64 `json:"lat"`
	Cluster    bool    `json:"cluster"`
	ClusterID  int64   `json:"clusterId,omitempty"`
	PointCount int     `json:"pointCount,omitempty"`
	SourceID   int64   `json:"sourceId,omitempty"`
}

type node struct {
	x, y      float64 // projected into [0,1] spherical mercator
	zoom      int     // smallest zoom this node was processed at
	index     int     // source index for leaves, origin tree index for clusters
	id        int64
	parentID  int64
	numPoints int
}

type tree struct {
	bush  *kdbush
	nodes []node
}

// Index is an immutable hierarchical cluster index built from a point
// snapshot. Build once with New, query concurrently afterwards.
type Index struct {
	opts   Options
	points []Point
	trees  map[int]*tree
}

// New builds the index. Input order determines cluster identity, so
// callers feeding a stable snapshot get deterministic ids.
func New(points []Point, opts Options) *Index {
	if opts.Extent <= 0 {
		opts.Extent = 512
	}
	if opts.Radius <= 0 {
		opts.Radius = 60
	}
	if opts.NodeSize <= 0 {
		opts.NodeSize = 64
	}
	if opts.MaxZoom < opts.MinZoom {
		opts.MaxZoom = opts.MinZoom
	}

	s := &Index{opts: opts, points: points, trees: make(map[int]*tree)}

	nodes := make([]node, len(points))
	for i, p := range points {
		x, y := project(p.Lon, p.Lat)
		nodes[i] = node{x: x, y: y, zoom: math.MaxInt32, index: i, id: int64(i), parentID: -1, numPoints: 1}
	}
	s.trees[opts.MaxZoom+1] = newTree(nodes, opts.NodeSize)

	for z := opts.MaxZoom; z >= opts.MinZoom; z-- {
		nodes = s.clusterize(s.trees[z+1], z)
		s.trees[z] = newTree(nodes, opts.NodeSize)
	}
	return s
}

func newTree(nodes []node, nodeSize int) *tree {
	xs := make([]float64, len(nodes))
	ys := make([]float64, len(nodes))
	for i, n := range nodes {
		xs[i] = n.x
		ys[i] = n.y
	}
	return &tree{bush: newKDBush(xs, ys, nodeSize), nodes: nodes}
}

// clusterize runs one greedy radius merge over the tree one zoom up.
func (s *Index) clusterize(t *tree, zoom int) []node {
	r := s.opts.Radius / (s.opts.Extent * math.Exp2(float64(zoom)))
	var out []node

	for i := range t.nodes {
		p := &t.nodes[i]
		if p.zoom <= zoom {
			continue
		}
		p.zoom = zoom

		neighborIDs := t.bush.within(p.x, p.y, r)

		numPoints := p.numPoints
		for _, nid := range neighborIDs {
			b := &t.nodes[nid]
			if nid != i && b.zoom > zoom {
				numPoints += b.numPoints
			}
		}

		if numPoints > p.numPoints {
			wx := p.x * float64(p.numPoints)
			wy := p.y * float64(p.numPoints)
			// encode the origin index and creation zoom; offset past the
			// leaf id range so cluster ids never collide with leaves
			id := int64((i<<5)+(zoom+1)) + int64(len(s.points))

			for _, nid := range neighborIDs {
				b := &t.nodes[nid]
				if nid == i || b.zoom <= zoom {
					continue
				}
				b.zoom = zoom
				wx += b.x * float64(b.numPoints)
				wy += b.y * float64(b.numPoints)
				b.parentID = id
			}
			p.parentID = id
			out = append(out, node{
				x:         wx / float64(numPoints),
				y:         wy / float64(numPoints),
				zoom:      math.MaxInt32,
				index:     i,
				id:        id,
				parentID:  -1,
				numPoints: numPoints,
			})
		} else {
			out = append(out, *p)
		}
	}
	return out
}

func (s *Index) limitZoom(z int) int {
	if z < s.opts.MinZoom {
		return s.opts.MinZoom
	}
	if z > s.opts.MaxZoom+1 {
		return s.opts.MaxZoom + 1
	}
	return z
}

// TileFeatures returns the clusters and leaves falling inside the
// given web-mercator tile, in lon/lat.
func (s *Index) TileFeatures(z, x, y int) []Feature {
	t := s.trees[s.limitZoom(z)]
	z2 := math.Exp2(float64(z))
	p := s.opts.Radius / s.opts.Extent

	minX := (float64(x) - p) / z2
	minY := (float64(y) - p) / z2
	maxX := (float64(x) + 1 + p) / z2
	maxY := (float64(y) + 1 + p) / z2

	ids := t.bush.rangeIDs(minX, minY, maxX, maxY)
	out := make([]Feature, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.feature(&t.nodes[id]))
	}
	return out
}

func (s *Index) feature(n *node) Feature {
	lon, lat := unproject(n.x, n.y)
	if n.numPoints > 1 {
		return Feature{Lon: lon, Lat: lat, Cluster: true, ClusterID: n.id, PointCount: n.numPoints}
	}
	return Feature{Lon: lon, Lat: lat, SourceID: s.points[n.index].ID}
}

// Children returns the direct children of a cluster at the next zoom.
func (s *Index) Children(clusterID int64) ([]Feature, error) {
	originID := int((clusterID - int64(len(s.points))) >> 5)
	originZoom := int((clusterID - int64(len(s.points))) % 32)

	t, ok := s.trees[originZoom]
	if !ok || originID < 0 || originID >= len(t.nodes) {
		return nil, ErrNoCluster
	}
	origin := &t.nodes[originID]
	r := s.opts.Radius / (s.opts.Extent * math.Exp2(float64(originZoom-1)))
	ids := t.bush.within(origin.x, origin.y, r)

	var out []Feature
	for _, id := range ids {
		n := &t.nodes[id]
		if n.parentID == clusterID {
			out = append(out, s.feature(n))
		}
	}
	if len(out) == 0 {
		return nil, ErrNoCluster
	}
	return out, nil
}

// Leaves expands a cluster to its underlying points, unbounded depth.
// limit <= 0 means all leaves; offset skips the first n.
func (s *Index) Leaves(clusterID int64, limit, offset int) ([]Point, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	var out []Point
	skipped := 0
	var err error
	out, skipped, err = s.appendLeaves(out, clusterID, limit, offset, skipped)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Index) appendLeaves(out []Point, clusterID int64, limit, offset, skipped int) ([]Point, int, error) {
	children, err := s.Children(clusterID)
	if err != nil {
		return nil, skipped, err
	}
	for _, child := range children {
		if len(out) >= limit {
			break
		}
		if child.Cluster {
			if skipped+child.PointCount <= offset {
				// whole branch below the offset window
				skipped += child.PointCount
				continue
			}
			out, skipped, err = s.appendLeaves(out, child.ClusterID, limit, offset, skipped)
			if err != nil {
				return nil, skipped, err
			}
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, Point{Lon: child.Lon, Lat: child.Lat, ID: child.SourceID})
	}
	return out, skipped, nil
}

// project maps lon/lat onto the [0,1] spherical-mercator square.
func project(lon, lat float64) (float64, float64) {
	x := lon/360 + 0.5
	sin := math.Sin(lat * math.Pi / 180)
	y := 0.5 - 0.25*math.Log((1+sin)/(1-sin))/math.Pi
	if y < 0 {
		y = 0
	} else if y > 1 {
		y = 1
	}
	return x, y
}

func unproject(x, y float64) (float64, float64) {
	lon := (x - 0.5) * 360
	y2 := (180 - y*360) * math.Pi / 180
	lat := 360*math.Atan(math.Exp(y2))/math.Pi - 90
	return lon, lat
}
