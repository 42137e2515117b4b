package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/atomflow/atomflow/pkg/launch"
)

const (
	// requestExt is the file extension for spooled requests.
	requestExt = ".yaml"

	doneDir   = "done"
	failedDir = "failed"
)

// Spool is a directory-backed queue of workflow requests. Submissions land as
// YAML files named by request ID; processed files move into done/ or failed/,
// so the spool root only ever holds waiting work.
type Spool struct {
	dir string
}

// NewSpool opens the spool at dir, creating the directory tree if needed.
func NewSpool(dir string) (*Spool, error) {
	for _, d := range []string{dir, filepath.Join(dir, doneDir), filepath.Join(dir, failedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create spool directory: %w", err)
		}
	}
	return &Spool{dir: dir}, nil
}

// Dir returns the spool root directory.
func (s *Spool) Dir() string {
	return s.dir
}

// Submit validates the request and writes it into the spool. The file is
// written under a temporary name and renamed into place so watchers never see
// a partial request. Submit assigns the request ID when the caller left it
// empty, and returns the ID.
func (s *Spool) Submit(req *launch.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}

	data, err := yaml.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	tmp := filepath.Join(s.dir, "."+req.ID+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write request: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, req.ID+requestExt)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to spool request: %w", err)
	}
	return req.ID, nil
}

// Load reads and validates a spooled request file.
func (s *Spool) Load(path string) (*launch.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}
	var req launch.Request
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Pending returns the request files waiting in the spool, oldest first.
func (s *Spool) Pending() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan spool: %w", err)
	}

	type pendingFile struct {
		path    string
		modTime time.Time
	}
	var files []pendingFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), requestExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// The file was archived between the scan and the stat.
			continue
		}
		files = append(files, pendingFile{
			path:    filepath.Join(s.dir, entry.Name()),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].path < files[j].path
		}
		return files[i].modTime.Before(files[j].modTime)
	})

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// MarkDone moves a processed request into the done archive.
func (s *Spool) MarkDone(path string) error {
	return s.archive(path, doneDir)
}

// MarkFailed moves a rejected or failed request into the failed archive.
func (s *Spool) MarkFailed(path string) error {
	return s.archive(path, failedDir)
}

func (s *Spool) archive(path, sub string) error {
	dest := filepath.Join(s.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("failed to archive request: %w", err)
	}
	return nil
}
