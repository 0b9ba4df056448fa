package fsx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
)

// WriteFileAtomic writes content to path via a temp file in the same
// directory, fsyncs it, and renames it into place.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	base := filepath.Base(path)

	tempFile, err := os.CreateTemp(parent, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(content); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Chmod(mode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove destination before rename: %w", removeErr)
		}
		if renameErr := os.Rename(tempPath, path); renameErr != nil {
			return fmt.Errorf("rename temp file after remove: %w", renameErr)
		}
	}
	cleanup = false

	// #nosec G304 -- parent directory path is derived from explicit caller-provided destination path.
	if dirHandle, err := os.Open(parent); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}
	return nil
}

// ErrIsSymlink reports that a copy source turned out to be a symlink when
// opened, which CopyNoFollow always refuses.
var ErrIsSymlink = errors.New("source is a symlink")

// ErrTooLarge reports that the copy source exceeded the caller's size cap.
var ErrTooLarge = errors.New("source exceeds maximum size")

// CopyNoFollow copies src to dst without following symlinks and without a
// gap between the size/symlink checks and the read: the source is opened
// with O_NOFOLLOW, then fstat'ed through the same descriptor, then read
// through it. maxSize <= 0 disables the size cap.
func CopyNoFollow(src, dst string, maxSize int64) (int64, error) {
	// #nosec G304 -- source path is validated by the caller's artifact checks.
	source, err := os.OpenFile(src, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		if isSymlinkOpenError(err) {
			return 0, fmt.Errorf("open %s: %w", src, ErrIsSymlink)
		}
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer func() {
		_ = source.Close()
	}()

	info, err := source.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return 0, fmt.Errorf("stat %s: %w", src, ErrIsSymlink)
	}
	if maxSize > 0 && info.Size() > maxSize {
		return 0, fmt.Errorf("source is %d bytes: %w", info.Size(), ErrTooLarge)
	}

	if parent := filepath.Dir(dst); parent != "." && parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return 0, fmt.Errorf("create destination directory: %w", err)
		}
	}
	// #nosec G304 -- destination lives inside a workspace owned by the caller.
	destination, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open destination: %w", err)
	}
	written, copyErr := io.Copy(destination, source)
	if syncErr := destination.Sync(); copyErr == nil {
		copyErr = syncErr
	}
	if closeErr := destination.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(dst)
		return 0, fmt.Errorf("copy content: %w", copyErr)
	}
	return written, nil
}

func isSymlinkOpenError(err error) bool {
	var pathErr *os.PathError
	if !errors.As(err, &pathErr) {
		return false
	}
	return errors.Is(pathErr.Err, syscall.ELOOP) || errors.Is(pathErr.Err, syscall.EMLINK)
}
