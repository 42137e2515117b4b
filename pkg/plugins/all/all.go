// Package all registers every bundled engine workflow by importing the
// engine packages for side effects. Binaries that want the full engine set
// import it once:
//
//	import _ "github.com/atomflow/atomflow/pkg/plugins/all"
package all

import (
	_ "github.com/atomflow/atomflow/pkg/workflows/bands/quantumespresso"
	_ "github.com/atomflow/atomflow/pkg/workflows/bands/siesta"
	_ "github.com/atomflow/atomflow/pkg/workflows/relax/abacus"
	_ "github.com/atomflow/atomflow/pkg/workflows/relax/abinit"
	_ "github.com/atomflow/atomflow/pkg/workflows/relax/bigdft"
	_ "github.com/atomflow/atomflow/pkg/workflows/relax/castep"
	_ "github.com/atomflow/atomflow/pkg/workflows/relax/cp2k"
	_ "github.com/atomflow/atomflow/pkg/workflows/relax/dftk"
	_ "github.com/atomflow/atomflow/pkg/workflows/relax/fleur"
	_ "github.com/atomflow/atomflow/pkg/workflows/relax/gaussian"
	_ "github.com/atomflow/atomflow/pkg/workflows/relax/gpaw"
	_ "github.com/atomflow/atomflow/pkg/workflows/relax/nwchem"
	_ "github.com/atomflow/atomflow/pkg/workflows/relax/orca"
	_ "github.com/atomflow/atomflow/pkg/workflows/relax/pyscf"
	_ "github.com/atomflow/atomflow/pkg/workflows/relax/quantumespresso"
	_ "github.com/atomflow/atomflow/pkg/workflows/relax/siesta"
	_ "github.com/atomflow/atomflow/pkg/workflows/relax/vasp"
	_ "github.com/atomflow/atomflow/pkg/workflows/relax/wien2k"
)
