package crystal

import (
	"fmt"
	"math"
	"sort"
)

// The named structures mirror the defaults offered by the launch commands.
// Crystals use standard experimental lattice constants; molecules sit in a
// 10 Å box without periodic boundary conditions.

// LibraryNames returns the names of the built-in default structures.
func LibraryNames() []string {
	names := make([]string, 0, len(library))
	for name := range library {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromLibrary returns a fresh copy of a built-in structure by name.
func FromLibrary(name string) (*Structure, error) {
	factory, ok := library[name]
	if !ok {
		return nil, fmt.Errorf("unknown structure %q, choose one of %v", name, LibraryNames())
	}
	return factory(), nil
}

var library = map[string]func() *Structure{
	"Si":            siliconPrimitive,
	"Al":            aluminumPrimitive,
	"Fe":            ironConventional,
	"GeTe":          germaniumTelluride,
	"H2":            hydrogenMolecule,
	"NH3-pyramidal": ammoniaPyramidal,
	"NH3-planar":    ammoniaPlanar,
}

// siliconPrimitive is the two-atom fcc primitive cell of diamond silicon,
// a = 5.431 Å.
func siliconPrimitive() *Structure {
	const a = 5.431
	s := New([3][3]float64{{0, a / 2, a / 2}, {a / 2, 0, a / 2}, {a / 2, a / 2, 0}})
	s.AppendAtom("Si", [3]float64{0, 0, 0})
	s.AppendAtom("Si", [3]float64{a / 4, a / 4, a / 4})
	return s
}

// aluminumPrimitive is the one-atom fcc primitive cell, a = 4.05 Å.
func aluminumPrimitive() *Structure {
	const a = 4.05
	s := New([3][3]float64{{0, a / 2, a / 2}, {a / 2, 0, a / 2}, {a / 2, a / 2, 0}})
	s.AppendAtom("Al", [3]float64{0, 0, 0})
	return s
}

// ironConventional is the two-atom conventional bcc cell, a = 2.87 Å. Two
// sites allow antiferromagnetic initializations in the magnetization tests.
func ironConventional() *Structure {
	const a = 2.87
	s := New([3][3]float64{{a, 0, 0}, {0, a, 0}, {0, 0, a}})
	s.AppendAtom("Fe", [3]float64{0, 0, 0})
	s.AppendAtom("Fe", [3]float64{a / 2, a / 2, a / 2})
	return s
}

// germaniumTelluride is the rhombohedral two-atom primitive cell of α-GeTe,
// a = 4.31 Å, α = 57.9°, with Te displaced off the midpoint along the
// trigonal axis.
func germaniumTelluride() *Structure {
	cell := rhombohedralCell(4.31, 57.9)
	s := New(cell)
	s.AppendAtom("Ge", [3]float64{0, 0, 0})
	frac := 0.5217
	var pos [3]float64
	for i := 0; i < 3; i++ {
		pos[i] = frac * (cell[0][i] + cell[1][i] + cell[2][i])
	}
	s.AppendAtom("Te", pos)
	return s
}

// hydrogenMolecule is H2 with the experimental bond length of 0.75 Å along z.
func hydrogenMolecule() *Structure {
	s := NewMolecule(10)
	s.AppendAtom("H", [3]float64{0, 0, -0.375})
	s.AppendAtom("H", [3]float64{0, 0, 0.375})
	return s
}

// ammoniaPyramidal is the C3v ground-state geometry of NH3.
func ammoniaPyramidal() *Structure {
	s := NewMolecule(10)
	s.AppendAtom("N", [3]float64{0, 0, 0.117})
	s.AppendAtom("H", [3]float64{0, 0.940, -0.273})
	s.AppendAtom("H", [3]float64{0.814, -0.470, -0.273})
	s.AppendAtom("H", [3]float64{-0.814, -0.470, -0.273})
	return s
}

// ammoniaPlanar is the D3h inversion transition state of NH3.
func ammoniaPlanar() *Structure {
	s := NewMolecule(10)
	s.AppendAtom("N", [3]float64{0, 0, 0})
	s.AppendAtom("H", [3]float64{0, 1.0, 0})
	s.AppendAtom("H", [3]float64{0.866, -0.5, 0})
	s.AppendAtom("H", [3]float64{-0.866, -0.5, 0})
	return s
}

// rhombohedralCell builds the lattice vectors of a rhombohedral cell from
// the edge length in Å and the angle in degrees.
func rhombohedralCell(a, alphaDeg float64) [3][3]float64 {
	cosA := math.Cos(alphaDeg * math.Pi / 180)
	tx := math.Sqrt((1 - cosA) / 2)
	ty := math.Sqrt((1 - cosA) / 6)
	tz := math.Sqrt((1 + 2*cosA) / 3)
	return [3][3]float64{
		{2 * a * ty, 0, a * tz},
		{-a * ty, a * tx, a * tz},
		{-a * ty, -a * tx, a * tz},
	}
}
