package transports

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/atomflow/atomflow/pkg/config"
	"github.com/atomflow/atomflow/pkg/stores"
	"github.com/atomflow/atomflow/pkg/telemetry"
)

// DefaultFactTTL is how long collected computer facts stay fresh.
const DefaultFactTTL = time.Hour

// probeCommandTimeout bounds each individual probe command.
const probeCommandTimeout = 30 * time.Second

// OSFacts describes the operating system of a computer.
type OSFacts struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Distribution string `json:"distribution,omitempty"`
	Version      string `json:"version,omitempty"`
	Kernel       string `json:"kernel"`
	Architecture string `json:"architecture"`
}

// CPUFacts describes the processors of a computer.
type CPUFacts struct {
	Count int    `json:"count"`
	Model string `json:"model,omitempty"`
}

// ScratchFacts describes the filesystem backing the computer's work
// directory, where calculation job directories are created.
type ScratchFacts struct {
	Path        string `json:"path"`
	Filesystem  string `json:"filesystem,omitempty"`
	TotalKB     uint64 `json:"total_kb"`
	AvailableKB uint64 `json:"available_kb"`
	UsePercent  int    `json:"use_percent"`
}

// CodeFacts records whether a configured code executable is actually
// present on its computer.
type CodeFacts struct {
	Label      string `json:"label"`
	Engine     string `json:"engine"`
	Executable string `json:"executable"`
	Present    bool   `json:"present"`
}

// ProbeReport is the result of probing one computer.
type ProbeReport struct {
	Computer string        `json:"computer"`
	OS       *OSFacts      `json:"os,omitempty"`
	CPU      *CPUFacts     `json:"cpu,omitempty"`
	Scratch  *ScratchFacts `json:"scratch,omitempty"`
	Codes    []CodeFacts   `json:"codes,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
}

// Prober collects facts about a computer over a transport and persists
// them with a TTL. Individual probe failures become report warnings
// rather than aborting the whole probe.
type Prober struct {
	store  stores.Store
	logger *telemetry.Logger
	ttl    time.Duration
}

// NewProber creates a prober. A nil store disables persistence, a nil
// logger disables logging.
func NewProber(store stores.Store, logger *telemetry.Logger) *Prober {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Prober{
		store:  store,
		logger: logger.NewComponentLogger("prober"),
		ttl:    DefaultFactTTL,
	}
}

// SetTTL overrides how long persisted facts stay fresh. Zero disables
// expiry.
func (p *Prober) SetTTL(ttl time.Duration) {
	p.ttl = ttl
}

// Probe connects if needed, collects OS, CPU, scratch and code facts,
// and persists each namespace that was collected successfully.
func (p *Prober) Probe(ctx context.Context, t Transport, computer *config.Computer, codes []config.Code) (*ProbeReport, error) {
	if !t.IsConnected() {
		if err := t.Connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to computer %s: %w", computer.Name, err)
		}
	}

	report := &ProbeReport{Computer: computer.Name}

	if facts, err := p.probeOS(ctx, t); err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("os: %v", err))
	} else {
		report.OS = facts
		p.persist(ctx, report, computer.Name, "os", "system", facts)
	}

	if facts, err := p.probeCPU(ctx, t); err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("cpu: %v", err))
	} else {
		report.CPU = facts
		p.persist(ctx, report, computer.Name, "cpu", "topology", facts)
	}

	if facts, err := p.probeScratch(ctx, t, computer.WorkDir); err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("scratch: %v", err))
	} else {
		report.Scratch = facts
		p.persist(ctx, report, computer.Name, "scratch", "workdir", facts)
	}

	for _, code := range codes {
		facts := p.probeCode(ctx, t, code)
		report.Codes = append(report.Codes, facts)
		p.persist(ctx, report, computer.Name, "code", code.Label, facts)
	}

	p.logger.WithField("computer", computer.Name).
		WithField("warnings", len(report.Warnings)).
		Info("computer probe completed")
	return report, nil
}

func (p *Prober) probeOS(ctx context.Context, t Transport) (*OSFacts, error) {
	out, err := p.run(ctx, t, "uname -s; uname -r; uname -m; hostname")
	if err != nil {
		return nil, err
	}

	facts := &OSFacts{}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) > 0 {
		facts.OS = strings.ToLower(strings.TrimSpace(lines[0]))
	}
	if len(lines) > 1 {
		facts.Kernel = strings.TrimSpace(lines[1])
	}
	if len(lines) > 2 {
		facts.Architecture = strings.TrimSpace(lines[2])
	}
	if len(lines) > 3 {
		facts.Hostname = strings.TrimSpace(lines[3])
	}

	// os-release is Linux-only; its absence is not an error.
	if out, err := p.run(ctx, t, "cat /etc/os-release"); err == nil {
		release := parseOSRelease(out)
		facts.Distribution = release["PRETTY_NAME"]
		facts.Version = release["VERSION_ID"]
	}

	return facts, nil
}

func (p *Prober) probeCPU(ctx context.Context, t Transport) (*CPUFacts, error) {
	facts := &CPUFacts{}

	if out, err := p.run(ctx, t, "cat /proc/cpuinfo"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			if strings.HasPrefix(line, "processor") {
				facts.Count++
			}
			if facts.Model == "" && strings.HasPrefix(line, "model name") {
				if _, value, ok := strings.Cut(line, ":"); ok {
					facts.Model = strings.TrimSpace(value)
				}
			}
		}
	}

	if facts.Count == 0 {
		out, err := p.run(ctx, t, "getconf _NPROCESSORS_ONLN")
		if err != nil {
			return nil, fmt.Errorf("failed to determine cpu count: %w", err)
		}
		count, err := strconv.Atoi(strings.TrimSpace(out))
		if err != nil {
			return nil, fmt.Errorf("failed to parse cpu count %q: %w", strings.TrimSpace(out), err)
		}
		facts.Count = count
	}

	return facts, nil
}

func (p *Prober) probeScratch(ctx context.Context, t Transport, workDir string) (*ScratchFacts, error) {
	if workDir == "" {
		workDir = "/tmp"
	}

	// Fall back to the root filesystem when the work directory does
	// not exist yet.
	out, err := p.run(ctx, t, "df -kP "+ShellQuote(workDir)+" 2>/dev/null || df -kP /")
	if err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("unexpected df output: %q", out)
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 5 {
		return nil, fmt.Errorf("unexpected df output: %q", lines[1])
	}

	facts := &ScratchFacts{Path: workDir, Filesystem: fields[0]}
	if total, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
		facts.TotalKB = total
	}
	if available, err := strconv.ParseUint(fields[3], 10, 64); err == nil {
		facts.AvailableKB = available
	}
	if percent, err := strconv.Atoi(strings.TrimSuffix(fields[4], "%")); err == nil {
		facts.UsePercent = percent
	}

	return facts, nil
}

func (p *Prober) probeCode(ctx context.Context, t Transport, code config.Code) CodeFacts {
	facts := CodeFacts{
		Label:      code.Label,
		Engine:     code.Engine,
		Executable: code.Executable,
	}

	// test -x covers absolute paths, command -v covers PATH lookups.
	quoted := ShellQuote(code.Executable)
	result, err := t.Execute(ctx, ExecRequest{
		Command: "test -x " + quoted + " || command -v " + quoted,
		Timeout: probeCommandTimeout,
	})
	if err == nil && result.ExitCode == 0 {
		facts.Present = true
	}
	return facts
}

func (p *Prober) run(ctx context.Context, t Transport, command string) (string, error) {
	result, err := t.Execute(ctx, ExecRequest{Command: command, Timeout: probeCommandTimeout})
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("command %q exited with code %d: %s", command, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return result.Stdout, nil
}

func (p *Prober) persist(ctx context.Context, report *ProbeReport, computer, namespace, key string, value any) {
	if p.store == nil {
		return
	}

	raw, err := json.Marshal(value)
	if err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%s/%s: encode: %v", namespace, key, err))
		return
	}

	fact := &stores.Fact{
		Computer:  computer,
		Namespace: namespace,
		Key:       key,
		Value:     string(raw),
		TTL:       int(p.ttl.Seconds()),
	}
	if p.ttl > 0 {
		expires := time.Now().UTC().Add(p.ttl)
		fact.ExpiresAt = &expires
	}

	if err := p.store.UpsertFact(ctx, fact); err != nil {
		p.logger.WithError(err).
			WithField("namespace", namespace).
			WithField("key", key).
			Warn("failed to persist fact")
		report.Warnings = append(report.Warnings, fmt.Sprintf("%s/%s: persist: %v", namespace, key, err))
	}
}

// parseOSRelease parses /etc/os-release key=value lines, stripping
// surrounding quotes.
func parseOSRelease(content string) map[string]string {
	values := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		values[key] = value
	}
	return values
}

// ShellQuote wraps s in single quotes for safe interpolation into a POSIX
// shell command line.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
