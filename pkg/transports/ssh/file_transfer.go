package ssh

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	"github.com/atomflow/atomflow/pkg/transports"
)

// UploadFile uploads a single file to the remote host via SFTP. The
// uploaded size is compared against the local size afterwards; callers that
// need a stronger guarantee compare checksums via ComputeChecksum.
func (c *SSHClient) UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error {
	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	return c.uploadFileVia(ctx, sftpClient, localPath, remotePath, mode)
}

// DownloadFile downloads a single file from the remote host via SFTP.
func (c *SSHClient) DownloadFile(ctx context.Context, remotePath string, localPath string) error {
	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	return c.downloadFileVia(ctx, sftpClient, remotePath, localPath)
}

// UploadDirectory recursively uploads a directory to the remote host.
func (c *SSHClient) UploadDirectory(ctx context.Context, localPath string, remotePath string) error {
	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Msg("uploading directory")

	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	return filepath.Walk(localPath, func(walkPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		relPath, err := filepath.Rel(localPath, walkPath)
		if err != nil {
			return err
		}
		targetPath := path.Join(remotePath, filepath.ToSlash(relPath))

		if info.IsDir() {
			if err := sftpClient.MkdirAll(targetPath); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", targetPath, err)
			}
			return nil
		}

		if err := c.uploadFileVia(ctx, sftpClient, walkPath, targetPath, uint32(info.Mode().Perm())); err != nil {
			return fmt.Errorf("failed to upload file %s: %w", walkPath, err)
		}
		return nil
	})
}

// DownloadDirectory recursively downloads a directory from the remote host.
func (c *SSHClient) DownloadDirectory(ctx context.Context, remotePath string, localPath string) error {
	log.Debug().
		Str("remote", remotePath).
		Str("local", localPath).
		Msg("downloading directory")

	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	walker := sftpClient.Walk(remotePath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return &transports.TransportError{
				Op:          "download_dir",
				Err:         fmt.Errorf("failed to walk remote directory: %w", err),
				IsTemporary: true,
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		relPath, err := filepath.Rel(remotePath, walker.Path())
		if err != nil {
			return err
		}
		targetPath := filepath.Join(localPath, relPath)

		if walker.Stat().IsDir() {
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", targetPath, err)
			}
			continue
		}

		if err := c.downloadFileVia(ctx, sftpClient, walker.Path(), targetPath); err != nil {
			return fmt.Errorf("failed to download file %s: %w", walker.Path(), err)
		}
	}

	return nil
}

// ComputeChecksum calculates the SHA256 checksum of a remote file by
// streaming it over SFTP. This avoids depending on a sha256sum binary on
// the remote side.
func (c *SSHClient) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return "", err
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return "", &transports.TransportError{
			Op:          "checksum",
			Err:         fmt.Errorf("failed to open remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remoteFile.Close()

	hash := sha256.New()
	if _, err := copyWithContext(ctx, hash, remoteFile); err != nil {
		return "", &transports.TransportError{
			Op:          "checksum",
			Err:         fmt.Errorf("failed to read remote file: %w", err),
			IsTemporary: true,
		}
	}

	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// newSFTPClient opens a new SFTP session on the current connection.
func (c *SSHClient) newSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &transports.TransportError{
			Op:          "sftp_init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	return sftpClient, nil
}

func (c *SSHClient) uploadFileVia(ctx context.Context, sftpClient *sftp.Client, localPath string, remotePath string, mode uint32) error {
	startTime := time.Now()

	localFile, err := os.Open(localPath)
	if err != nil {
		return &transports.TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to open local file: %w", err),
		}
	}
	defer localFile.Close()

	fileInfo, err := localFile.Stat()
	if err != nil {
		return &transports.TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to stat local file: %w", err),
		}
	}

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &transports.TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to create remote directory: %w", err),
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &transports.TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remoteFile.Close()

	bytesWritten, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return &transports.TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}

	if bytesWritten != fileInfo.Size() {
		return &transports.TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("short upload: wrote %d of %d bytes", bytesWritten, fileInfo.Size()),
			IsTemporary: true,
		}
	}

	if mode > 0 {
		if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
			log.Warn().Err(err).Str("path", remotePath).Msg("failed to set file permissions")
		}
	}

	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", bytesWritten).
		Dur("duration", time.Since(startTime)).
		Msg("file uploaded")

	return nil
}

func (c *SSHClient) downloadFileVia(ctx context.Context, sftpClient *sftp.Client, remotePath string, localPath string) error {
	startTime := time.Now()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return &transports.TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to open remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return &transports.TransportError{
			Op:  "download",
			Err: fmt.Errorf("failed to create local directory: %w", err),
		}
	}

	localFile, err := os.Create(localPath)
	if err != nil {
		return &transports.TransportError{
			Op:  "download",
			Err: fmt.Errorf("failed to create local file: %w", err),
		}
	}
	defer localFile.Close()

	bytesWritten, err := copyWithContext(ctx, localFile, remoteFile)
	if err != nil {
		return &transports.TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}

	log.Debug().
		Str("remote", remotePath).
		Str("local", localPath).
		Int64("bytes", bytesWritten).
		Dur("duration", time.Since(startTime)).
		Msg("file downloaded")

	return nil
}

// copyWithContext copies data from src to dst while respecting context
// cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
