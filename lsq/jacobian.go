package lsq

import "math"

type entry struct {
	row, pos int
}

// jacobian holds the structurally nonzero entries of the Jacobian, row by row in pattern order.
type jacobian struct {
	pattern Pattern
	values  [][]float64
	// colEntries lists where each parameter appears in the pattern.
	colEntries [][]entry
	groups     [][]int

	plus, minus []float64
	xPlus       []float64
	xMinus      []float64
	hPlus       []float64
	hMinus      []float64
}

func newJacobian(pattern Pattern, n int) *jacobian {
	j := &jacobian{
		pattern:    pattern,
		values:     make([][]float64, len(pattern)),
		colEntries: make([][]entry, n),
		plus:       make([]float64, len(pattern)),
		minus:      make([]float64, len(pattern)),
		xPlus:      make([]float64, n),
		xMinus:     make([]float64, n),
		hPlus:      make([]float64, n),
		hMinus:     make([]float64, n),
	}
	for r, row := range pattern {
		j.values[r] = make([]float64, len(row))
		for pos, c := range row {
			j.colEntries[c] = append(j.colEntries[c], entry{r, pos})
		}
	}
	j.groups = groupColumns(j.colEntries, len(pattern))
	return j
}

// groupColumns greedily assigns each column, in order, to the first group none of whose columns
// share a row with it.
func groupColumns(colEntries [][]entry, m int) [][]int {
	var groups [][]int
	var used [][]bool
	for c, entries := range colEntries {
		placed := false
		for g := range groups {
			conflict := false
			for _, e := range entries {
				if used[g][e.row] {
					conflict = true
					break
				}
			}
			if conflict {
				continue
			}
			groups[g] = append(groups[g], c)
			for _, e := range entries {
				used[g][e.row] = true
			}
			placed = true
			break
		}
		if placed {
			continue
		}
		rows := make([]bool, m)
		for _, e := range entries {
			rows[e.row] = true
		}
		groups = append(groups, []int{c})
		used = append(used, rows)
	}
	return groups
}

// estimateJacobian estimates the Jacobian at x by central differences, one pair of evaluations per column
// group. Steps are shortened at the bounds so the residuals are never evaluated outside them.
func (s *solver) estimateJacobian(x []float64, relStep float64) {
	j := s.jac
	for _, group := range j.groups {
		copy(j.xPlus, x)
		copy(j.xMinus, x)
		for _, c := range group {
			h := relStep * math.Max(1, math.Abs(x[c]))
			j.hPlus[c] = math.Min(h, s.upper[c]-x[c])
			j.hMinus[c] = math.Min(h, x[c]-s.lower[c])
			j.xPlus[c] = x[c] + j.hPlus[c]
			j.xMinus[c] = x[c] - j.hMinus[c]
		}
		s.eval(j.plus, j.xPlus)
		s.eval(j.minus, j.xMinus)
		for _, c := range group {
			width := j.hPlus[c] + j.hMinus[c]
			for _, e := range j.colEntries[c] {
				if width == 0 {
					j.values[e.row][e.pos] = 0
					continue
				}
				j.values[e.row][e.pos] = (j.plus[e.row] - j.minus[e.row]) / width
			}
		}
	}
}

// normalEquations writes J^T J into the row-major n x n normal and J^T r into grad.
func (j *jacobian) normalEquations(res, normal, grad []float64) {
	n := len(grad)
	for i := range normal {
		normal[i] = 0
	}
	for i := range grad {
		grad[i] = 0
	}
	for r, row := range j.pattern {
		vals := j.values[r]
		for a, ca := range row {
			va := vals[a]
			if va == 0 {
				continue
			}
			grad[ca] += va * res[r]
			for b, cb := range row {
				normal[ca*n+cb] += va * vals[b]
			}
		}
	}
}
