package crystal

import "math"

// ReciprocalCell returns the reciprocal lattice vectors as rows, including
// the 2π factor.
func (s *Structure) ReciprocalCell() [3][3]float64 {
	a := s.Cell
	cross := func(u, v [3]float64) [3]float64 {
		return [3]float64{
			u[1]*v[2] - u[2]*v[1],
			u[2]*v[0] - u[0]*v[2],
			u[0]*v[1] - u[1]*v[0],
		}
	}
	volume := s.Volume()
	var out [3][3]float64
	pairs := [3][2][3]float64{
		{a[1], a[2]},
		{a[2], a[0]},
		{a[0], a[1]},
	}
	for i, pair := range pairs {
		c := cross(pair[0], pair[1])
		for j := 0; j < 3; j++ {
			out[i][j] = 2 * math.Pi * c[j] / volume
		}
	}
	return out
}

// KpointsMeshFromDistance returns the regular k-point mesh whose spacing
// along each reciprocal vector does not exceed the given distance in 1/Å.
// Non-periodic directions get a single point.
func (s *Structure) KpointsMeshFromDistance(distance float64) [3]int {
	reciprocal := s.ReciprocalCell()
	var mesh [3]int
	for i := 0; i < 3; i++ {
		if !s.PBC[i] {
			mesh[i] = 1
			continue
		}
		norm := math.Sqrt(reciprocal[i][0]*reciprocal[i][0] +
			reciprocal[i][1]*reciprocal[i][1] +
			reciprocal[i][2]*reciprocal[i][2])
		points := int(math.Ceil(norm / distance))
		if points < 1 {
			points = 1
		}
		mesh[i] = points
	}
	return mesh
}
