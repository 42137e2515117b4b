package workflows

// Unit conversion factors used by the output-normalization layer. The common
// output schema is fixed to eV, eV/Å and eV/Å³; every engine adapter converts
// its native units with the factors below.
const (
	// HaToEv converts Hartree to electronvolt.
	HaToEv = 27.211396

	// RyToEv converts Rydberg to electronvolt.
	RyToEv = 13.6056980659

	// BohrToAng converts Bohr radii to Ångström.
	BohrToAng = 0.529177210903

	// HaPerBohrToEvPerAng converts forces from Ha/Bohr to eV/Å.
	HaPerBohrToEvPerAng = 51.42208619083232

	// EvPerA3ToGPa converts stress from eV/Å³ to GPa.
	EvPerA3ToGPa = 160.21766208

	// GPaToEvPerA3 converts stress from GPa to eV/Å³.
	GPaToEvPerA3 = 1.0 / EvPerA3ToGPa

	// KBarToEvPerA3 converts stress from kBar to eV/Å³.
	KBarToEvPerA3 = 1.0 / 1602.1766208

	// BarToEvPerA3 converts stress from bar to eV/Å³.
	BarToEvPerA3 = 1.0 / 1602176.6208

	// EvToHa converts electronvolt to Hartree.
	EvToHa = 0.03674930814

	// AngToBohr converts Ångström to Bohr radii.
	AngToBohr = 1.88972687
)
