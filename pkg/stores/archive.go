package stores

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ArchiveRun packs the run's working directory into a zstd-compressed tar at
// dest and returns the path written. An empty dest defaults to
// "<run-id>.tar.zst" in the current directory.
func (s *SQLiteStore) ArchiveRun(ctx context.Context, runID, dest string) (string, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.WorkDir == "" {
		return "", fmt.Errorf("run %s has no working directory to archive", runID)
	}
	if dest == "" {
		dest = runID + ".tar.zst"
	}
	if err := ArchiveDir(run.WorkDir, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// RestoreRun unpacks an archived run directory into dest and points the
// run's working directory at it.
func (s *SQLiteStore) RestoreRun(ctx context.Context, runID, archive, dest string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := RestoreDir(archive, dest); err != nil {
		return err
	}
	run.WorkDir = dest
	return s.SaveRun(ctx, run)
}

// ArchiveDir writes dir's contents into a zstd-compressed tar at dest.
// Entries are stored with paths relative to dir.
func ArchiveDir(dir, dest string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	if err := writeArchive(dir, f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeArchive(dir string, w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	err = filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		switch {
		case entry.IsDir():
			return tw.WriteHeader(header)
		case info.Mode().IsRegular():
			if err := tw.WriteHeader(header); err != nil {
				return err
			}
			src, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, src)
			_ = src.Close()
			return err
		default:
			return fmt.Errorf("unsupported entry %s", rel)
		}
	})
	if err != nil {
		_ = tw.Close()
		_ = zw.Close()
		return fmt.Errorf("failed to archive %s: %w", dir, err)
	}

	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return nil
}

// RestoreDir unpacks a zstd-compressed tar into dest, creating it if needed.
// Entries that would escape dest are rejected.
func RestoreDir(archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		rel, err := sanitizeEntry(header.Name)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, header.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", rel, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create directory for %s: %w", rel, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, header.FileInfo().Mode().Perm())
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", rel, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return fmt.Errorf("failed to extract %s: %w", rel, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("failed to close %s: %w", rel, err)
			}
		default:
			return fmt.Errorf("unsupported entry type for %s", header.Name)
		}
	}

	return nil
}

func sanitizeEntry(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes the destination", name)
	}
	return clean, nil
}
