package zipx

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// File is one entry destined for an archive.
type File struct {
	Path string
	Data []byte
	Mode os.FileMode
}

// Fixed modification time so byte-identical inputs produce byte-identical
// archives regardless of when they are written.
var deterministicModTime = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

const maxEntryBytes = 100 * 1024 * 1024

// WriteDeterministicZip writes files as a zip with sorted entry order and
// fixed timestamps.
func WriteDeterministicZip(w io.Writer, files []File) error {
	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Path < sorted[j].Path
	})

	writer := zip.NewWriter(w)
	for _, file := range sorted {
		name := filepath.ToSlash(file.Path)
		if name == "" || strings.HasPrefix(name, "/") || hasTraversal(name) {
			return fmt.Errorf("invalid zip entry path: %q", file.Path)
		}
		header := &zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: deterministicModTime,
		}
		mode := file.Mode
		if mode == 0 {
			mode = 0o644
		}
		header.SetMode(mode)
		entry, err := writer.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("create zip entry %s: %w", name, err)
		}
		if _, err := entry.Write(file.Data); err != nil {
			return fmt.Errorf("write zip entry %s: %w", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize zip: %w", err)
	}
	return nil
}

// ZipDirectory archives every regular file under dir, with arcnames
// relative to dir, into outPath.
func ZipDirectory(dir, outPath string) error {
	var files []File
	err := filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		relative, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		// #nosec G304 -- path comes from walking the caller-owned workspace.
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", relative, err)
		}
		files = append(files, File{Path: relative, Data: data, Mode: info.Mode().Perm()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk workspace: %w", err)
	}

	// #nosec G304 -- output path is validated by the session before use.
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	writeErr := WriteDeterministicZip(out, files)
	if closeErr := out.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(outPath)
		return writeErr
	}
	return nil
}

// ExtractSafe unpacks archivePath into destDir, rejecting entries whose
// name is absolute or contains parent-traversal segments (zip slip).
func ExtractSafe(archivePath, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}
	for _, entry := range reader.File {
		name := filepath.ToSlash(entry.Name)
		if strings.HasPrefix(name, "/") || hasTraversal(name) {
			return fmt.Errorf("unsafe zip entry path: %q", entry.Name)
		}
		target := filepath.Join(absDest, filepath.FromSlash(name))
		if !strings.HasPrefix(target, absDest+string(filepath.Separator)) && target != absDest {
			return fmt.Errorf("zip entry escapes destination: %q", entry.Name)
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("create directory %s: %w", name, err)
			}
			continue
		}
		if entry.UncompressedSize64 > maxEntryBytes {
			return fmt.Errorf("zip entry too large: %s (%d bytes)", name, entry.UncompressedSize64)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return fmt.Errorf("create parent for %s: %w", name, err)
		}
		if err := extractEntry(entry, target); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(entry *zip.File, target string) error {
	source, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", entry.Name, err)
	}
	defer func() {
		_ = source.Close()
	}()
	// #nosec G304 -- target path is confined to the extraction root above.
	destination, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", entry.Name, err)
	}
	limited := io.LimitReader(source, maxEntryBytes+1)
	copied, copyErr := io.Copy(destination, limited)
	if closeErr := destination.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return fmt.Errorf("extract %s: %w", entry.Name, copyErr)
	}
	if copied > maxEntryBytes {
		return fmt.Errorf("zip entry exceeds max size: %s", entry.Name)
	}
	return nil
}

func hasTraversal(name string) bool {
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return true
		}
	}
	return false
}
