package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/atomflow/atomflow/pkg/agent/wire"
)

// maxReadBytes caps a file read so the base64 payload stays inside one
// protocol frame.
const maxReadBytes = 7 << 20

// FileWriteHandler stages a file onto the computer.
type FileWriteHandler struct{}

// Handle writes the content to the given path.
func (h *FileWriteHandler) Handle(ctx context.Context, params *wire.FileWriteParams, events chan<- *wire.EventMessage) (*wire.FileWriteResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	mode := os.FileMode(0o644)
	if params.Mode != "" {
		parsed, err := strconv.ParseUint(params.Mode, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid mode %q: %w", params.Mode, err)
		}
		mode = os.FileMode(parsed)
	}

	_, err := os.Stat(params.Path)
	existed := err == nil

	if params.MakeParents {
		if err := os.MkdirAll(filepath.Dir(params.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create parent directory: %w", err)
		}
	}

	if err := os.WriteFile(params.Path, params.Content, mode); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if existed && params.Mode != "" {
		// WriteFile only applies the mode on creation.
		if err := os.Chmod(params.Path, mode); err != nil {
			return nil, fmt.Errorf("failed to set mode: %w", err)
		}
	}

	sum := sha256.Sum256(params.Content)
	return &wire.FileWriteResult{
		BytesWritten: int64(len(params.Content)),
		Created:      !existed,
		Checksum:     hex.EncodeToString(sum[:]),
	}, nil
}

// FileReadHandler retrieves a file from the computer.
type FileReadHandler struct{}

// Handle reads up to MaxBytes of the file, capped by the frame size.
func (h *FileReadHandler) Handle(ctx context.Context, params *wire.FileReadParams, events chan<- *wire.EventMessage) (*wire.FileReadResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	info, err := os.Stat(params.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", params.Path)
	}

	limit := params.MaxBytes
	if limit <= 0 || limit > maxReadBytes {
		limit = maxReadBytes
	}

	f, err := os.Open(params.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, limit)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	content := buf[:n]

	sum := sha256.Sum256(content)
	return &wire.FileReadResult{
		Content:   content,
		Size:      info.Size(),
		Mode:      fmt.Sprintf("%04o", info.Mode().Perm()),
		Checksum:  hex.EncodeToString(sum[:]),
		Truncated: info.Size() > int64(n),
	}, nil
}
