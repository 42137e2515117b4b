package crystal

// element holds the per-element data the generators need.
type element struct {
	number int
	mass   float64
	// moment is the default initial magnetic moment in Bohr magnetons used
	// when a collinear calculation is requested without explicit
	// magnetizations.
	moment float64
}

var elements = map[string]element{
	"H":  {1, 1.008, 0},
	"He": {2, 4.0026, 0},
	"Li": {3, 6.94, 0},
	"Be": {4, 9.0122, 0},
	"B":  {5, 10.81, 0},
	"C":  {6, 12.011, 0},
	"N":  {7, 14.007, 0},
	"O":  {8, 15.999, 0},
	"F":  {9, 18.998, 0},
	"Ne": {10, 20.180, 0},
	"Na": {11, 22.990, 0},
	"Mg": {12, 24.305, 0},
	"Al": {13, 26.982, 0},
	"Si": {14, 28.085, 0},
	"P":  {15, 30.974, 0},
	"S":  {16, 32.06, 0},
	"Cl": {17, 35.45, 0},
	"Ar": {18, 39.948, 0},
	"K":  {19, 39.098, 0},
	"Ca": {20, 40.078, 0},
	"Sc": {21, 44.956, 0},
	"Ti": {22, 47.867, 0},
	"V":  {23, 50.942, 1},
	"Cr": {24, 51.996, 1},
	"Mn": {25, 54.938, 3},
	"Fe": {26, 55.845, 2.5},
	"Co": {27, 58.933, 2},
	"Ni": {28, 58.693, 1},
	"Cu": {29, 63.546, 0},
	"Zn": {30, 65.38, 0},
	"Ga": {31, 69.723, 0},
	"Ge": {32, 72.630, 0},
	"As": {33, 74.922, 0},
	"Se": {34, 78.971, 0},
	"Br": {35, 79.904, 0},
	"Kr": {36, 83.798, 0},
	"Rb": {37, 85.468, 0},
	"Sr": {38, 87.62, 0},
	"Y":  {39, 88.906, 0},
	"Zr": {40, 91.224, 0},
	"Nb": {41, 92.906, 0},
	"Mo": {42, 95.95, 0},
	"Tc": {43, 98, 0},
	"Ru": {44, 101.07, 0},
	"Rh": {45, 102.91, 0},
	"Pd": {46, 106.42, 0},
	"Ag": {47, 107.87, 0},
	"Cd": {48, 112.41, 0},
	"In": {49, 114.82, 0},
	"Sn": {50, 118.71, 0},
	"Sb": {51, 121.76, 0},
	"Te": {52, 127.60, 0},
	"I":  {53, 126.90, 0},
	"Xe": {54, 131.29, 0},
	"Cs": {55, 132.91, 0},
	"Ba": {56, 137.33, 0},
	"La": {57, 138.91, 0},
	"Ce": {58, 140.12, 0},
	"Gd": {64, 157.25, 7},
	"Hf": {72, 178.49, 0},
	"Ta": {73, 180.95, 0},
	"W":  {74, 183.84, 0},
	"Re": {75, 186.21, 0},
	"Os": {76, 190.23, 0},
	"Ir": {77, 192.22, 0},
	"Pt": {78, 195.08, 0},
	"Au": {79, 196.97, 0},
	"Hg": {80, 200.59, 0},
	"Tl": {81, 204.38, 0},
	"Pb": {82, 207.2, 0},
	"Bi": {83, 208.98, 0},
}

// AtomicNumber returns the atomic number of an element symbol, or 0 for an
// unknown symbol.
func AtomicNumber(symbol string) int {
	return elements[symbol].number
}

// AtomicMass returns the standard atomic mass of an element symbol in unified
// atomic mass units, or 0 for an unknown symbol.
func AtomicMass(symbol string) float64 {
	return elements[symbol].mass
}

// DefaultMagneticMoment returns the initial magnetic moment in Bohr magnetons
// used for an element when a collinear calculation is requested without
// explicit per-site magnetizations.
func DefaultMagneticMoment(symbol string) float64 {
	return elements[symbol].moment
}
