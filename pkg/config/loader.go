package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader parses and validates codes and computers configuration files.
type Loader struct {
	registry  *SchemaRegistry
	validator *validator.Validate
	watcher   *fsnotify.Watcher
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		registry:  NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// Load reads and validates the configuration file at path.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := l.Parse(path, data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse validates raw YAML configuration content. The filename is used in
// error messages only.
func (l *Loader) Parse(filename string, data []byte) (*Config, error) {
	// Validate the generic document against the CUE schema first so shape
	// errors surface before struct decoding.
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, ValidationError{File: filename, Message: fmt.Sprintf("invalid YAML: %v", err)}
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	if err := l.registry.ValidateAgainstSchema(context.Background(), "config", doc); err != nil {
		return nil, ValidationError{File: filename, Message: err.Error()}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ValidationError{File: filename, Message: fmt.Sprintf("failed to decode config: %v", err)}
	}
	if err := l.validator.Struct(&cfg); err != nil {
		return nil, ValidationError{File: filename, Message: err.Error()}
	}
	if err := checkReferences(&cfg); err != nil {
		return nil, ValidationError{File: filename, Message: err.Error()}
	}
	return &cfg, nil
}

// checkReferences verifies uniqueness and that every code names a
// configured computer.
func checkReferences(cfg *Config) error {
	computers := make(map[string]bool, len(cfg.Computers))
	for _, computer := range cfg.Computers {
		if computers[computer.Name] {
			return fmt.Errorf("duplicate computer %q", computer.Name)
		}
		computers[computer.Name] = true
	}

	labels := make(map[string]bool, len(cfg.Codes))
	for _, code := range cfg.Codes {
		full := code.FullLabel()
		if labels[full] {
			return fmt.Errorf("duplicate code %q", full)
		}
		labels[full] = true
		if !computers[code.Computer] {
			return fmt.Errorf("code %q references unknown computer %q", code.Label, code.Computer)
		}
	}
	return nil
}

// Watch watches the configuration file and calls onReload with the freshly
// loaded configuration whenever it changes. Reload errors are passed to the
// callback with a nil configuration.
func (l *Loader) Watch(ctx context.Context, path string, onReload func(*Config, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	// Watch the directory, not the file: editors replace config files by
	// rename and the watch on the old inode would go stale.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	go l.processEvents(ctx, path, onReload)
	return nil
}

// processEvents debounces file change events and triggers reloads.
func (l *Loader) processEvents(ctx context.Context, path string, onReload func(*Config, error)) {
	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				onReload(l.Load(path))
			})

		case _, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// DefaultPath returns the configuration file path: $ATOMFLOW_CONFIG when
// set, otherwise config.yaml under the user config directory.
func DefaultPath() string {
	if path := os.Getenv("ATOMFLOW_CONFIG"); path != "" {
		return path
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "atomflow", "config.yaml")
}

// Default returns the configuration used when no file exists: a localhost
// computer and no codes.
func Default() *Config {
	return &Config{
		Computers: []Computer{
			{
				Name:      "localhost",
				Transport: TransportLocal,
				WorkDir:   filepath.Join(os.TempDir(), "atomflow"),
			},
		},
	}
}

// Skeleton returns a commented starter configuration, written by the init
// command.
func Skeleton() string {
	return `# atomflow codes and computers configuration.
#
# Computers are machines that run calculation jobs. Codes are quantum
# engine executables installed on them, referenced on the command line as
# label@computer.

computers:
  - name: localhost
    transport: local
    work_dir: /tmp/atomflow

  # - name: hpc
  #   hostname: hpc.example.org
  #   transport: ssh
  #   work_dir: /scratch/atomflow
  #   ssh:
  #     user: jdoe
  #     key_file: ~/.ssh/id_ed25519
  #     known_hosts: ~/.ssh/known_hosts

codes: []
  # - label: pw-7.2
  #   engine: quantum_espresso.pw
  #   computer: hpc
  #   executable: /opt/qe/bin/pw.x
  #   prepend_text: module load quantum-espresso/7.2
  #   mpi_procs_per_machine: 32
`
}
