package crystal

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Structure is a periodic or molecular atomic structure. Cell rows are the
// lattice vectors in Ångström; site positions are Cartesian Ångström.
type Structure struct {
	Cell  [3][3]float64 `json:"cell" yaml:"cell"`
	PBC   [3]bool       `json:"pbc" yaml:"pbc"`
	Kinds []Kind        `json:"kinds" yaml:"kinds"`
	Sites []Site        `json:"sites" yaml:"sites"`
}

// Kind names a chemical species within a structure. Distinct kinds of the
// same element are used to assign different initial magnetic moments or
// pseudopotentials to subsets of sites.
type Kind struct {
	Name   string  `json:"name" yaml:"name"`
	Symbol string  `json:"symbol" yaml:"symbol"`
	Mass   float64 `json:"mass,omitempty" yaml:"mass,omitempty"`
}

// Site is a single atomic position referring to a kind by name.
type Site struct {
	Kind     string     `json:"kind" yaml:"kind"`
	Position [3]float64 `json:"position" yaml:"position"`
}

// New creates a periodic structure with the given cell.
func New(cell [3][3]float64) *Structure {
	return &Structure{Cell: cell, PBC: [3]bool{true, true, true}}
}

// NewMolecule creates a non-periodic structure inside a cubic box of the
// given edge length.
func NewMolecule(box float64) *Structure {
	return &Structure{
		Cell: [3][3]float64{{box, 0, 0}, {0, box, 0}, {0, 0, box}},
		PBC:  [3]bool{false, false, false},
	}
}

// AppendAtom adds a site of the given element, creating the kind if needed.
func (s *Structure) AppendAtom(symbol string, position [3]float64) {
	s.AppendAtomKind(symbol, symbol, position)
}

// AppendAtomKind adds a site with an explicit kind name, creating the kind
// if needed. The kind symbol must stay consistent across calls.
func (s *Structure) AppendAtomKind(kindName, symbol string, position [3]float64) {
	if s.KindIndex(kindName) < 0 {
		s.Kinds = append(s.Kinds, Kind{Name: kindName, Symbol: symbol, Mass: AtomicMass(symbol)})
	}
	s.Sites = append(s.Sites, Site{Kind: kindName, Position: position})
}

// KindIndex returns the index of the named kind, or -1.
func (s *Structure) KindIndex(name string) int {
	for i, k := range s.Kinds {
		if k.Name == name {
			return i
		}
	}
	return -1
}

// Kind returns the kind for a site.
func (s *Structure) Kind(site Site) Kind {
	i := s.KindIndex(site.Kind)
	if i < 0 {
		return Kind{Name: site.Kind, Symbol: site.Kind}
	}
	return s.Kinds[i]
}

// Symbols returns the element symbol of every site in order.
func (s *Structure) Symbols() []string {
	out := make([]string, len(s.Sites))
	for i, site := range s.Sites {
		out[i] = s.Kind(site).Symbol
	}
	return out
}

// Volume returns the cell volume in ų.
func (s *Structure) Volume() float64 {
	a, b, c := s.Cell[0], s.Cell[1], s.Cell[2]
	return math.Abs(a[0]*(b[1]*c[2]-b[2]*c[1]) - a[1]*(b[0]*c[2]-b[2]*c[0]) + a[2]*(b[0]*c[1]-b[1]*c[0]))
}

// CellLengths returns the lengths of the three lattice vectors in Å.
func (s *Structure) CellLengths() [3]float64 {
	var out [3]float64
	for i, vector := range s.Cell {
		out[i] = math.Sqrt(vector[0]*vector[0] + vector[1]*vector[1] + vector[2]*vector[2])
	}
	return out
}

// CellAngles returns the cell angles α, β, γ in degrees, α being the angle
// between the b and c vectors.
func (s *Structure) CellAngles() [3]float64 {
	lengths := s.CellLengths()
	pairs := [3][2]int{{1, 2}, {0, 2}, {0, 1}}
	var out [3]float64
	for i, pair := range pairs {
		u, v := s.Cell[pair[0]], s.Cell[pair[1]]
		dot := u[0]*v[0] + u[1]*v[1] + u[2]*v[2]
		out[i] = math.Acos(dot/(lengths[pair[0]]*lengths[pair[1]])) * 180 / math.Pi
	}
	return out
}

// Clone returns a deep copy of the structure.
func (s *Structure) Clone() *Structure {
	out := &Structure{Cell: s.Cell, PBC: s.PBC}
	out.Kinds = append([]Kind(nil), s.Kinds...)
	out.Sites = append([]Site(nil), s.Sites...)
	return out
}

// ScaleVolume returns a copy of the structure with the volume scaled by the
// given factor. Cell vectors and Cartesian positions are multiplied by the
// cube root of the factor so fractional coordinates are preserved.
func (s *Structure) ScaleVolume(factor float64) *Structure {
	linear := math.Cbrt(factor)
	out := s.Clone()
	for i := range out.Cell {
		for j := range out.Cell[i] {
			out.Cell[i][j] *= linear
		}
	}
	for i := range out.Sites {
		for j := range out.Sites[i].Position {
			out.Sites[i].Position[j] *= linear
		}
	}
	return out
}

// Supercell returns a diagonal nx×ny×nz repetition of the structure. The
// lattice vectors are multiplied by their repetition counts and the sites
// are replicated image by image, each image holding the full unit cell site
// list, so per-site lists for the unit cell tile onto the supercell by
// plain repetition.
func (s *Structure) Supercell(nx, ny, nz int) (*Structure, error) {
	if nx < 1 || ny < 1 || nz < 1 {
		return nil, fmt.Errorf("supercell repetitions must be at least 1, got %d %d %d", nx, ny, nz)
	}
	out := &Structure{PBC: s.PBC}
	out.Kinds = append([]Kind(nil), s.Kinds...)
	reps := [3]int{nx, ny, nz}
	for i := range out.Cell {
		for j := range out.Cell[i] {
			out.Cell[i][j] = s.Cell[i][j] * float64(reps[i])
		}
	}
	out.Sites = make([]Site, 0, nx*ny*nz*len(s.Sites))
	for i := 0; i < nx; i++ {
		for j := 0; j < ny; j++ {
			for k := 0; k < nz; k++ {
				for _, site := range s.Sites {
					shifted := site
					for d := 0; d < 3; d++ {
						shifted.Position[d] += float64(i)*s.Cell[0][d] +
							float64(j)*s.Cell[1][d] + float64(k)*s.Cell[2][d]
					}
					out.Sites = append(out.Sites, shifted)
				}
			}
		}
	}
	return out, nil
}

// IsDiatomic reports whether the structure is a two-atom molecule.
func (s *Structure) IsDiatomic() bool {
	return len(s.Sites) == 2 && s.PBC == [3]bool{false, false, false}
}

// Separation returns the distance between the two sites of a diatomic
// structure.
func (s *Structure) Separation() (float64, error) {
	if len(s.Sites) != 2 {
		return 0, fmt.Errorf("structure has %d sites, expected 2", len(s.Sites))
	}
	var d float64
	for i := 0; i < 3; i++ {
		diff := s.Sites[0].Position[i] - s.Sites[1].Position[i]
		d += diff * diff
	}
	return math.Sqrt(d), nil
}

// WithSeparation returns a copy of a diatomic structure with the two atoms
// placed symmetrically about the origin along their original axis, at the
// requested distance.
func (s *Structure) WithSeparation(distance float64) (*Structure, error) {
	current, err := s.Separation()
	if err != nil {
		return nil, err
	}
	if current == 0 {
		return nil, fmt.Errorf("the two sites coincide, axis is undefined")
	}
	out := s.Clone()
	half := distance / 2 / current
	for i := 0; i < 3; i++ {
		axis := s.Sites[1].Position[i] - s.Sites[0].Position[i]
		out.Sites[0].Position[i] = -axis * half
		out.Sites[1].Position[i] = axis * half
	}
	return out, nil
}

// Formula returns the Hill-ordered chemical formula, e.g. "Si2" or "H3N".
func (s *Structure) Formula() string {
	counts := map[string]int{}
	for _, site := range s.Sites {
		counts[s.Kind(site).Symbol]++
	}
	symbols := make([]string, 0, len(counts))
	for sym := range counts {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var b strings.Builder
	for _, sym := range symbols {
		b.WriteString(sym)
		if counts[sym] > 1 {
			fmt.Fprintf(&b, "%d", counts[sym])
		}
	}
	return b.String()
}

// NumElectrons returns the total electron count of a neutral structure.
func (s *Structure) NumElectrons() int {
	total := 0
	for _, site := range s.Sites {
		total += AtomicNumber(s.Kind(site).Symbol)
	}
	return total
}

// SplitKindsForMagnetization returns a copy of the structure in which sites
// with different initial magnetic moments get distinct kinds. Engines that
// attach magnetization to species rather than sites need this. The returned
// map gives the moment per kind name.
func (s *Structure) SplitKindsForMagnetization(moments []float64) (*Structure, map[string]float64, error) {
	if len(moments) != len(s.Sites) {
		return nil, nil, fmt.Errorf("got %d magnetic moments for %d sites", len(moments), len(s.Sites))
	}

	out := &Structure{Cell: s.Cell, PBC: s.PBC}
	kindMoments := map[string]float64{}
	assigned := map[string]string{} // symbol|moment -> kind name
	counters := map[string]int{}

	for i, site := range s.Sites {
		symbol := s.Kind(site).Symbol
		key := fmt.Sprintf("%s|%.6f", symbol, moments[i])
		name, ok := assigned[key]
		if !ok {
			counters[symbol]++
			if counters[symbol] == 1 {
				name = symbol
			} else {
				name = fmt.Sprintf("%s%d", symbol, counters[symbol]-1)
			}
			assigned[key] = name
			kindMoments[name] = moments[i]
		}
		out.AppendAtomKind(name, symbol, site.Position)
	}
	return out, kindMoments, nil
}
