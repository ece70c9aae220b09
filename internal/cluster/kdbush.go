package cluster

// kdbush is a flat, static 2D spatial index over points. It is built
// once per zoom level and never mutated afterwards, which keeps the
// per-build allocation profile flat and makes lookups allocation-free.
type kdbush struct {
	nodeSize int
	ids      []int
	coords   []float64 // interleaved x,y
}

func newKDBush(xs, ys []float64, nodeSize int) *kdbush {
	n := len(xs)
	b := &kdbush{
		nodeSize: nodeSize,
		ids:      make([]int, n),
		coords:   make([]float64, 2*n),
	}
	for i := 0; i < n; i++ {
		b.ids[i] = i
		b.coords[2*i] = xs[i]
		b.coords[2*i+1] = ys[i]
	}
	if n > 0 {
		b.sortKD(0, n-1, 0)
	}
	return b
}

func (b *kdbush) sortKD(left, right, axis int) {
	if right-left <= b.nodeSize {
		return
	}
	m := (left + right) >> 1
	b.selectNth(m, left, right, axis)
	b.sortKD(left, m-1, 1-axis)
	b.sortKD(m+1, right, 1-axis)
}

// selectNth partially sorts so that coords[k] is in its final sorted
// position along the given axis (Floyd-Rivest style median selection).
func (b *kdbush) selectNth(k, left, right, axis int) {
	for right > left {
		i := left
		j := right
		t := b.coords[2*k+axis]

		b.swap(left, k)
		if b.coords[2*right+axis] > t {
			b.swap(left, right)
		}
		for i < j {
			b.swap(i, j)
			i++
			j--
			for b.coords[2*i+axis] < t {
				i++
			}
			for b.coords[2*j+axis] > t {
				j--
			}
		}
		if b.coords[2*left+axis] == t {
			b.swap(left, j)
		} else {
			j++
			b.swap(j, right)
		}
		if j <= k {
			left = j + 1
		}
		if k <= j {
			right = j - 1
		}
	}
}

func (b *kdbush) swap(i, j int) {
	b.ids[i], b.ids[j] = b.ids[j], b.ids[i]
	b.coords[2*i], b.coords[2*j] = b.coords[2*j], b.coords[2*i]
	b.coords[2*i+1], b.coords[2*j+1] = b.coords[2*j+1], b.coords[2*i+1]
}

type span struct{ left, right, axis int }

// rangeIDs returns indices of all points inside the bounding box.
func (b *kdbush) rangeIDs(minX, minY, maxX, maxY float64) []int {
	var out []int
	if len(b.ids) == 0 {
		return out
	}
	stack := []span{{0, len(b.ids) - 1, 0}}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if s.right-s.left <= b.nodeSize {
			for i := s.left; i <= s.right; i++ {
				x, y := b.coords[2*i], b.coords[2*i+1]
				if x >= minX && x <= maxX && y >= minY && y <= maxY {
					out = append(out, b.ids[i])
				}
			}
			continue
		}

		m := (s.left + s.right) >> 1
		x, y := b.coords[2*m], b.coords[2*m+1]
		if x >= minX && x <= maxX && y >= minY && y <= maxY {
			out = append(out, b.ids[m])
		}

		var lower, upper bool
		if s.axis == 0 {
			lower = minX <= x
			upper = maxX >= x
		} else {
			lower = minY <= y
			upper = maxY >= y
		}
		if lower {
			stack = append(stack, span{s.left, m - 1, 1 - s.axis})
		}
		if upper {
			stack = append(stack, span{m + 1, s.right, 1 - s.axis})
		}
	}
	return out
}

// within returns indices of all points inside the radius around (qx, qy).
func (b *kdbush) within(qx, qy, r float64) []int {
	var out []int
	if len(b.ids) == 0 {
		return out
	}
	r2 := r * r
	stack := []span{{0, len(b.ids) - 1, 0}}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if s.right-s.left <= b.nodeSize {
			for i := s.left; i <= s.right; i++ {
				if sqDist(b.coords[2*i], b.coords[2*i+1], qx, qy) <= r2 {
					out = append(out, b.ids[i])
				}
			}
			continue
		}

		m := (s.left + s.right) >> 1
		x, y := b.coords[2*m], b.coords[2*m+1]
		if sqDist(x, y, qx, qy) <= r2 {
			out = append(out, b.ids[m])
		}

		var lower, upper bool
		if s.axis == 0 {
			lower = qx-r <= x
			upper = qx+r >= x
		} else {
			lower = qy-r <= y
			upper = qy+r >= y
		}
		if lower {
			stack = append(stack, span{s.left, m - 1, 1 - s.axis})
		}
		if upper {
			stack = append(stack, span{m + 1, s.right, 1 - s.axis})
		}
	}
	return out
}

func sqDist(ax, ay, bx, by float64) float64 {
	dx := ax - bx
	dy := ay - by
	return dx*dx + dy*dy
}
