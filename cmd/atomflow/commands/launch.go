package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/atomflow/atomflow/pkg/crystal"
	"github.com/atomflow/atomflow/pkg/daemon"
	"github.com/atomflow/atomflow/pkg/executor"
	"github.com/atomflow/atomflow/pkg/launch"
	"github.com/atomflow/atomflow/pkg/overrides"
	"github.com/atomflow/atomflow/pkg/plugins"
	"github.com/atomflow/atomflow/pkg/runtime"
	"github.com/atomflow/atomflow/pkg/workflows"
	"github.com/atomflow/atomflow/pkg/workflows/bands"
	"github.com/atomflow/atomflow/pkg/workflows/dissociation"
	"github.com/atomflow/atomflow/pkg/workflows/eos"
	"github.com/atomflow/atomflow/pkg/workflows/relax"
)

func newLaunchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch a common workflow",
		Long: `Launch one of the common workflows through a quantum engine.

Every workflow takes an engine name as its argument and one or more code
labels via -X. The same input surface works for every engine; a named
protocol picks the numerical settings. Runs execute in the foreground
unless -d spools them for the daemon.`,
	}

	cmd.AddCommand(newLaunchRelaxCommand())
	cmd.AddCommand(newLaunchEOSCommand())
	cmd.AddCommand(newLaunchDissociationCommand())
	cmd.AddCommand(newLaunchBandsCommand())
	cmd.AddCommand(newLaunchPhononsCommand())

	return cmd
}

// launchOptions carries the flags shared by the launch subcommands.
type launchOptions struct {
	structure      string
	codes          []string
	protocol       string
	relaxType      string
	spinType       string
	electronicType string
	magnetization  []float64
	forces         float64
	stress         float64
	machines       int
	mpiProcs       int
	coresPerProc   int
	wallclock      int
	daemonize      bool
	engineOptions  string
	override       string
	showEngines    bool
	dryRun         bool
}

// addLaunchFlags registers the flags every launch subcommand shares.
// Structure selection and the relaxation controls are opted into per
// subcommand, since the bands workflow takes neither.
func addLaunchFlags(cmd *cobra.Command, opts *launchOptions) {
	flags := cmd.Flags()
	flags.StringSliceVarP(&opts.codes, "codes", "X", nil, "code labels in label@computer form, one per engine step")
	flags.IntVarP(&opts.machines, "number-machines", "m", 1, "number of machines per calculation")
	flags.IntVarP(&opts.mpiProcs, "number-mpi-procs-per-machine", "n", 0, "MPI processes per machine, 0 uses the code default")
	flags.IntVarP(&opts.coresPerProc, "number-cores-per-mpiproc", "t", 0, "cores per MPI process, 0 uses the scheduler default")
	flags.IntVarP(&opts.wallclock, "wallclock-seconds", "w", 3600, "maximum wallclock time per calculation in seconds")
	flags.BoolVarP(&opts.daemonize, "daemon", "d", false, "spool the request for the daemon instead of running it")
	flags.StringVar(&opts.engineOptions, "engine-options", "", "JSON document merged into every engine step's options")
	flags.StringVar(&opts.override, "override", "", "Starlark script applied to the inputs before submission")
	flags.BoolVar(&opts.showEngines, "show-engines", false, "list the engines this workflow supports and exit")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "print the validated builder as YAML without launching")
}

// addStructureFlags registers the structure and accuracy flags of the
// relaxation-based workflows.
func addStructureFlags(cmd *cobra.Command, opts *launchOptions, defaultStructure string) {
	flags := cmd.Flags()
	flags.StringVarP(&opts.structure, "structure", "S", defaultStructure,
		fmt.Sprintf("structure from the built-in library (%s)", strings.Join(crystal.LibraryNames(), ", ")))
	flags.StringVarP(&opts.protocol, "protocol", "p", "fast", "protocol selecting the numerical accuracy")
	flags.StringVarP(&opts.spinType, "spin-type", "s", "none",
		fmt.Sprintf("spin polarization treatment (%s)", joinSpinTypes()))
	flags.StringVarP(&opts.electronicType, "electronic-type", "e", "metal",
		fmt.Sprintf("electronic character (%s)", joinElectronicTypes()))
	flags.Float64SliceVar(&opts.magnetization, "magnetization-per-site", nil, "initial magnetic moment per site in Bohr magnetons")
	flags.Float64Var(&opts.forces, "threshold-forces", 0, "force convergence threshold in eV/Å")
	flags.Float64Var(&opts.stress, "threshold-stress", 0, "stress convergence threshold in eV/Å^3")
}

func addRelaxTypeFlag(cmd *cobra.Command, opts *launchOptions, def string, choices ...workflows.RelaxType) {
	names := make([]string, len(choices))
	for i, choice := range choices {
		names[i] = string(choice)
	}
	cmd.Flags().StringVarP(&opts.relaxType, "relax-type", "r", def,
		fmt.Sprintf("degrees of freedom to relax (%s)", strings.Join(names, ", ")))
}

func joinSpinTypes() string {
	types := workflows.SpinTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func joinElectronicTypes() string {
	types := workflows.ElectronicTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func newLaunchRelaxCommand() *cobra.Command {
	opts := &launchOptions{}

	cmd := &cobra.Command{
		Use:   "relax [engine]",
		Short: "Launch a structure relaxation",
		Long: `Relax a crystal structure or molecule to its ground state geometry.

The engine argument names the quantum code family performing the
relaxation. The relax type selects the degrees of freedom: atomic
positions, cell shape, cell volume or combinations of them.`,
		Example: `  # Relax bulk silicon with Quantum ESPRESSO
  atomflow launch relax quantum_espresso -X pw-7.2@localhost

  # Precise relaxation of iron with collinear spin
  atomflow launch relax quantum_espresso -X pw-7.2@hpc -S Fe \
    -p precise -s collinear -e metal --magnetization-per-site 4 --magnetization-per-site 4

  # FLEUR needs the inpgen and fleur codes, in that order
  atomflow launch relax fleur -X inpgen@hpc -X fleur@hpc

  # Inspect every input the launch would submit
  atomflow launch relax siesta -X siesta@localhost --dry-run`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.showEngines {
				return printEngineNames("relax")
			}
			engine, err := engineArgument(args, "relax")
			if err != nil {
				return err
			}
			inputs, err := opts.commonInputs(cmd)
			if err != nil {
				return err
			}
			return runLaunch(cmd, opts, launch.WorkflowRelax, engine, inputs)
		},
	}

	addLaunchFlags(cmd, opts)
	addStructureFlags(cmd, opts, "Si")
	addRelaxTypeFlag(cmd, opts, "positions", workflows.RelaxTypes()...)

	return cmd
}

func newLaunchEOSCommand() *cobra.Command {
	opts := &launchOptions{}
	var (
		scaleCount     int
		scaleIncrement float64
	)

	cmd := &cobra.Command{
		Use:   "eos [engine]",
		Short: "Launch an equation of state",
		Long: `Compute the energy of a structure at a series of scaled volumes.

The scale factors are centered on the input volume. Each volume is
relaxed with a cell-preserving relax type so the volume stays fixed;
the first volume runs alone and its settings seed the others.`,
		Example: `  # Seven volumes of silicon around equilibrium
  atomflow launch eos quantum_espresso -X pw-7.2@localhost

  # Denser sampling with a moderate protocol
  atomflow launch eos abinit -X abinit-9.6@hpc -p moderate \
    --scale-count 11 --scale-increment 0.01`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.showEngines {
				return printEngineNames("relax")
			}
			engine, err := engineArgument(args, "relax")
			if err != nil {
				return err
			}
			inputs, err := opts.commonInputs(cmd)
			if err != nil {
				return err
			}
			inputs["scale_count"] = scaleCount
			inputs["scale_increment"] = scaleIncrement
			return runLaunch(cmd, opts, launch.WorkflowEOS, engine, inputs)
		},
	}

	addLaunchFlags(cmd, opts)
	addStructureFlags(cmd, opts, "Si")
	addRelaxTypeFlag(cmd, opts, "positions",
		workflows.RelaxNone, workflows.RelaxPositions,
		workflows.RelaxShape, workflows.RelaxPositionsShape)
	cmd.Flags().IntVar(&scaleCount, "scale-count", eos.DefaultScaleCount, "number of scale factors to sample")
	cmd.Flags().Float64Var(&scaleIncrement, "scale-increment", eos.DefaultScaleIncrement, "difference between consecutive scale factors")

	return cmd
}

func newLaunchDissociationCommand() *cobra.Command {
	opts := &launchOptions{}
	var (
		distancesCount int
		distanceMin    float64
		distanceMax    float64
	)

	cmd := &cobra.Command{
		Use:   "dissociation-curve [engine]",
		Short: "Launch a dissociation curve of a diatomic molecule",
		Long: `Compute the total energy of a diatomic molecule at a series of bond
distances. The geometry is never relaxed; failed distances leave holes
in the curve instead of failing the run.`,
		Example: `  # Hydrogen dissociation with default sampling
  atomflow launch dissociation-curve quantum_espresso -X pw-7.2@localhost

  # Stretch further out with more points
  atomflow launch dissociation-curve nwchem -X nwchem@hpc \
    --distances-count 40 --distance-min 0.4 --distance-max 4.0`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.showEngines {
				return printEngineNames("relax")
			}
			engine, err := engineArgument(args, "relax")
			if err != nil {
				return err
			}
			inputs, err := opts.commonInputs(cmd)
			if err != nil {
				return err
			}
			inputs["distances_count"] = distancesCount
			inputs["distance_min"] = distanceMin
			inputs["distance_max"] = distanceMax
			return runLaunch(cmd, opts, launch.WorkflowDissociationCurve, engine, inputs)
		},
	}

	addLaunchFlags(cmd, opts)
	addStructureFlags(cmd, opts, "H2")
	cmd.Flags().IntVar(&distancesCount, "distances-count", dissociation.DefaultDistancesCount, "number of bond distances to sample")
	cmd.Flags().Float64Var(&distanceMin, "distance-min", dissociation.DefaultDistanceMin, "smallest bond distance in Å")
	cmd.Flags().Float64Var(&distanceMax, "distance-max", dissociation.DefaultDistanceMax, "largest bond distance in Å")

	return cmd
}

func newLaunchBandsCommand() *cobra.Command {
	opts := &launchOptions{}
	var (
		parentRun  string
		vertices   []string
		labels     []string
		perSegment int
	)

	cmd := &cobra.Command{
		Use:   "bands [engine]",
		Short: "Launch a band structure calculation",
		Long: `Compute band energies along a k-point path, restarting from the remote
folder of a finished relaxation.

The parent run must be a relaxation by the same engine. Its remote
folder provides the charge density to restart from. The k-point path is
built from high-symmetry vertices in fractional coordinates, linearly
interpolated.`,
		Example: `  # Bands on top of a finished relaxation
  atomflow launch bands quantum_espresso -X pw-7.2@localhost \
    --parent-run 2f1c9c39-8d54-4e61-a6a8-3c1f27b9e911

  # A custom path through the Brillouin zone
  atomflow launch bands siesta -X siesta@hpc --parent-run <run-id> \
    --kpoint 0,0,0 --kpoint 0.5,0,0.5 --kpoint 0.375,0.375,0.75 \
    --kpoint-labels GAMMA,X,K --kpoints-per-segment 30`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.showEngines {
				return printEngineNames("bands")
			}
			engine, err := engineArgument(args, "bands")
			if err != nil {
				return err
			}
			inputs, err := bandsInputs(cmd.Context(), parentRun, vertices, labels, perSegment)
			if err != nil {
				return err
			}
			return runLaunch(cmd, opts, launch.WorkflowBands, engine, inputs)
		},
	}

	addLaunchFlags(cmd, opts)
	cmd.Flags().StringVar(&parentRun, "parent-run", "", "run ID of the finished relaxation to restart from")
	cmd.Flags().StringArrayVar(&vertices, "kpoint", nil, "high-symmetry vertex as kx,ky,kz in fractional coordinates (repeatable)")
	cmd.Flags().StringSliceVar(&labels, "kpoint-labels", nil, "labels of the vertices, one per --kpoint")
	cmd.Flags().IntVar(&perSegment, "kpoints-per-segment", 20, "interpolated points per path segment")
	cmd.MarkFlagRequired("parent-run")

	return cmd
}

func newLaunchPhononsCommand() *cobra.Command {
	opts := &launchOptions{}
	var (
		supercell      []int
		displacement   float64
		phononProperty string
	)

	cmd := &cobra.Command{
		Use:   "phonons [engine]",
		Short: "Launch a phonon calculation",
		Long: `Compute interatomic force constants by finite displacements in a
supercell. Each displaced supercell is a fixed-geometry calculation;
the collected forces form the force sets. A second code label selects
an external phonopy post-processing step deriving thermal properties
or the band structure from the force sets.`,
		Example: `  # Force sets of silicon with a 2x2x2 supercell
  atomflow launch phonons quantum_espresso -X pw-7.2@localhost

  # Add phonopy post-processing for the free energy
  atomflow launch phonons quantum_espresso -X pw-7.2@hpc -X phonopy@hpc \
    --supercell 3,3,3 --phonon-property free_energy`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.showEngines {
				return printEngineNames("relax")
			}
			engine, err := engineArgument(args, "relax")
			if err != nil {
				return err
			}
			inputs, err := opts.commonInputs(cmd)
			if err != nil {
				return err
			}
			if len(supercell) != 3 {
				return fmt.Errorf("supercell must have three entries, got %d", len(supercell))
			}
			matrix := make([]float64, 3)
			for i, n := range supercell {
				matrix[i] = float64(n)
			}
			inputs["supercell_matrix"] = matrix
			inputs["displacement"] = displacement
			inputs["phonon_property"] = phononProperty
			return runLaunch(cmd, opts, launch.WorkflowPhonons, engine, inputs)
		},
	}

	addLaunchFlags(cmd, opts)
	addStructureFlags(cmd, opts, "Si")
	cmd.Flags().IntSliceVar(&supercell, "supercell", []int{2, 2, 2}, "supercell multiplicity along the three cell vectors")
	cmd.Flags().Float64Var(&displacement, "displacement", 0.01, "finite displacement amplitude in Å")
	cmd.Flags().StringVar(&phononProperty, "phonon-property", "none",
		fmt.Sprintf("derived property phonopy computes (%s)", joinPhononProperties()))

	return cmd
}

func joinPhononProperties() string {
	properties := workflows.PhononProperties()
	names := make([]string, len(properties))
	for i, p := range properties {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

// engineArgument resolves the positional engine name, listing the known
// engines when it is missing or unknown.
func engineArgument(args []string, kind string) (string, error) {
	names, err := plugins.EngineNames(kind)
	if err != nil {
		return "", err
	}
	if len(args) == 0 {
		return "", fmt.Errorf("an engine name is required, one of: %s", strings.Join(names, ", "))
	}
	return args[0], nil
}

func printEngineNames(kind string) error {
	names, err := plugins.EngineNames(kind)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(names)
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

// commonInputs assembles the relaxation ports shared by every workflow
// built on the common relax interface. Optional thresholds are only set
// when their flag was given, so engine defaults stay in force.
func (o *launchOptions) commonInputs(cmd *cobra.Command) (map[string]interface{}, error) {
	structure, err := crystal.FromLibrary(o.structure)
	if err != nil {
		return nil, err
	}

	inputs := map[string]interface{}{
		"structure":       structure.Document(),
		"protocol":        o.protocol,
		"spin_type":       o.spinType,
		"electronic_type": o.electronicType,
	}
	if o.relaxType != "" {
		inputs["relax_type"] = o.relaxType
	}
	if len(o.magnetization) > 0 {
		inputs["magnetization_per_site"] = o.magnetization
	}
	if cmd.Flags().Changed("threshold-forces") {
		inputs["threshold_forces"] = o.forces
	}
	if cmd.Flags().Changed("threshold-stress") {
		inputs["threshold_stress"] = o.stress
	}
	return inputs, nil
}

// engineSteps returns the step names the -X codes bind to, in order, and
// how many trailing steps may be left without a code.
func engineSteps(workflow, engine string) (steps []string, optional int) {
	if workflow == launch.WorkflowBands {
		return []string{"bands"}, 0
	}
	steps = []string{"relax"}
	if impl, err := plugins.LoadRelax(engine); err == nil {
		if multi, ok := impl.(relax.MultiStepEngine); ok {
			steps = multi.EngineSteps()
		}
	}
	if workflow == launch.WorkflowPhonons {
		return append(steps, "phonopy"), 1
	}
	return steps, 0
}

// engineDocuments binds the given codes to the workflow's engine steps,
// each with the scheduler options built from the resource flags.
func (o *launchOptions) engineDocuments(workflow, engine string) (map[string]interface{}, error) {
	steps, optional := engineSteps(workflow, engine)
	required := len(steps) - optional
	if len(o.codes) < required || len(o.codes) > len(steps) {
		return nil, fmt.Errorf("workflow %s with engine %s takes codes for steps %s (-X), got %d",
			workflow, engine, strings.Join(steps, ", "), len(o.codes))
	}

	var extra map[string]interface{}
	if o.engineOptions != "" {
		if err := json.Unmarshal([]byte(o.engineOptions), &extra); err != nil {
			return nil, fmt.Errorf("failed to parse --engine-options: %w", err)
		}
	}

	engines := make(map[string]interface{}, len(o.codes))
	for i, code := range o.codes {
		options := map[string]interface{}{
			"resources":             workflows.Resources(o.machines, o.mpiProcs, o.coresPerProc),
			"max_wallclock_seconds": o.wallclock,
		}
		for key, value := range extra {
			options[key] = value
		}
		engines[steps[i]] = map[string]interface{}{
			"code":    code,
			"options": options,
		}
	}
	return engines, nil
}

// runLaunch finishes the request and either spools it, dry-runs it or
// executes it in the foreground.
func runLaunch(cmd *cobra.Command, opts *launchOptions, workflow, engine string, inputs map[string]interface{}) error {
	ctx := cmd.Context()

	engines, err := opts.engineDocuments(workflow, engine)
	if err != nil {
		return err
	}
	inputs["engines"] = engines

	req := &launch.Request{
		Workflow:    workflow,
		Engine:      engine,
		Inputs:      inputs,
		SubmittedAt: time.Now(),
	}

	if opts.override != "" {
		if err := applyOverride(ctx, req, opts.override); err != nil {
			return err
		}
	}

	if opts.dryRun {
		return printDryRun(req)
	}

	if opts.daemonize {
		spool, err := daemon.NewSpool(spoolDir())
		if err != nil {
			return err
		}
		path, err := spool.Submit(req)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Spooled %s request %s\n", workflow, req.ID)
		fmt.Printf("  %s\n", path)
		fmt.Println("\nThe daemon picks it up on its next sweep. Follow progress with:")
		fmt.Println("  atomflow runs list")
		return nil
	}

	return launchForeground(ctx, req)
}

// applyOverride runs a Starlark script over the request inputs. The
// script sees the same builder document a dry run prints.
func applyOverride(ctx context.Context, req *launch.Request, path string) error {
	script, err := overrides.LoadScript(path)
	if err != nil {
		return err
	}
	builder := &runtime.Builder{Process: req.Workflow, Inputs: req.Inputs}
	if err := script.Apply(ctx, builder); err != nil {
		return err
	}
	req.Inputs = builder.Inputs
	return nil
}

// printDryRun validates the request through its engine generator and
// prints the resulting builder.
func printDryRun(req *launch.Request) error {
	launcher := launch.NewLauncher(nil, nil, nil, commandLogger())
	builder, err := launcher.Builder(req)
	if err != nil {
		return err
	}
	if jsonOutput {
		data, err := builder.ToJSON()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	data, err := builder.ToYAML()
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}

// launchForeground runs the request to completion against the local
// store and executor.
func launchForeground(ctx context.Context, req *launch.Request) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	logger := commandLogger()
	exec := executor.NewExecutor(cfg, workRoot(), logger)
	defer exec.Close()

	launcher := launch.NewLauncher(cfg, store, exec, logger).
		WithWorkRoot(workRoot())

	log.Info().
		Str("workflow", req.Workflow).
		Str("engine", req.Engine).
		Msg("Launching workflow")

	run, result, err := launcher.Launch(ctx, req)
	if err != nil {
		if run != nil {
			fmt.Printf("✗ Run %s failed\n", run.ID)
		}
		return fmt.Errorf("failed to launch workflow: %w", err)
	}

	if jsonOutput {
		return printJSON(map[string]interface{}{
			"run":    run,
			"result": result,
		})
	}

	if !result.Finished() {
		fmt.Printf("✗ Run %s finished with exit status %d: %s\n", run.ID, result.ExitStatus, result.ExitMessage)
		return fmt.Errorf("workflow did not finish successfully")
	}

	fmt.Printf("✓ Run %s succeeded in %s\n", run.ID, run.Duration.Round(time.Millisecond))
	printOutputSummary(result.Outputs)
	fmt.Println("\nInspect the full record with:")
	fmt.Printf("  atomflow runs show %s\n", run.ID)
	return nil
}

// printOutputSummary lists the output ports of a finished run, with
// scalar values inline.
func printOutputSummary(outputs map[string]interface{}) {
	if len(outputs) == 0 {
		return
	}
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("Outputs:")
	for _, name := range names {
		switch v := outputs[name].(type) {
		case float64:
			fmt.Printf("  %-24s %s\n", name, strconv.FormatFloat(v, 'g', -1, 64))
		case string:
			fmt.Printf("  %-24s %s\n", name, v)
		case map[string]interface{}:
			fmt.Printf("  %-24s %d entries\n", name, len(v))
		default:
			fmt.Printf("  %s\n", name)
		}
	}
}

// bandsInputs builds the bands workflow inputs from a finished parent
// relaxation and the k-point path flags.
func bandsInputs(ctx context.Context, parentRun string, vertices, labels []string, perSegment int) (map[string]interface{}, error) {
	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	run, err := store.GetRun(ctx, parentRun)
	if err != nil {
		return nil, fmt.Errorf("failed to load parent run: %w", err)
	}
	if run.Workflow != launch.WorkflowRelax {
		return nil, fmt.Errorf("parent run %s is a %s workflow, bands restarts from a relaxation", parentRun, run.Workflow)
	}
	if run.Status != runtime.RunStatusSucceeded {
		return nil, fmt.Errorf("parent run %s did not succeed (status %s)", parentRun, run.Status)
	}

	outputs, err := store.GetOutputs(ctx, parentRun)
	if err != nil {
		return nil, fmt.Errorf("failed to load parent outputs: %w", err)
	}
	folder, ok := outputs[relax.OutputRemoteFolder].(string)
	if !ok || folder == "" {
		return nil, fmt.Errorf("parent run %s recorded no remote folder to restart from", parentRun)
	}

	points, indexes, err := kpointPath(vertices, labels, perSegment)
	if err != nil {
		return nil, err
	}

	inputs := map[string]interface{}{
		"bands_kpoints": bands.KpointPathDocument(points, indexes),
		"parent_folder": folder,
	}
	if reference, ok := outputs[relax.OutputReference].(map[string]interface{}); ok {
		inputs["parent_inputs"] = reference
	}
	return inputs, nil
}

// defaultBandVertices is the fallback k-point path when no --kpoint flags
// are given: a simple cubic path touching the zone boundary in three
// directions.
var defaultBandVertices = []string{"0,0,0", "0.5,0,0", "0.5,0.5,0", "0,0,0", "0.5,0.5,0.5"}

var defaultBandLabels = []string{"GAMMA", "X", "M", "GAMMA", "R"}

func kpointPath(vertices, labels []string, perSegment int) ([][3]float64, map[string]int, error) {
	if len(vertices) == 0 {
		vertices, labels = defaultBandVertices, defaultBandLabels
	}
	if len(labels) == 0 {
		labels = make([]string, len(vertices))
		for i := range labels {
			labels[i] = fmt.Sprintf("K%d", i)
		}
	}

	parsed := make([][3]float64, len(vertices))
	for i, vertex := range vertices {
		parts := strings.Split(vertex, ",")
		if len(parts) != 3 {
			return nil, nil, fmt.Errorf("k-point %q must be kx,ky,kz", vertex)
		}
		for j, part := range parts {
			value, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return nil, nil, fmt.Errorf("k-point %q has a non-numeric coordinate: %w", vertex, err)
			}
			parsed[i][j] = value
		}
	}
	return bands.ExplicitPath(labels, parsed, perSegment)
}
