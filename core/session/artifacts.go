package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	voucherrors "github.com/davidahmann/vouch/core/errors"
	"github.com/davidahmann/vouch/core/fsx"
	"github.com/davidahmann/vouch/core/hashx"
	"github.com/davidahmann/vouch/core/schema/v1/trace"
)

// AddArtifact copies a file into the package's data/ directory under
// arcname (default: the source basename) and records its hash in the
// manifest. The copy happens immediately, so later mutation of the source
// cannot change what the package attests to. Symlinks are always refused.
// An oversized or missing artifact is an error in strict mode and a
// recorded, skipped warning otherwise.
func (s *Session) AddArtifact(srcPath, arcname string) error {
	if err := s.requireOpen(); err != nil {
		return err
	}

	if arcname == "" {
		arcname = filepath.Base(srcPath)
	}
	cleaned := path.Clean(filepath.ToSlash(arcname))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/") {
		return voucherrors.Wrap(
			fmt.Errorf("invalid artifact name %q", arcname),
			voucherrors.CategoryConfiguration, "artifact_name_invalid",
			"artifact names must be relative paths without parent traversal",
		)
	}

	s.mu.Lock()
	duplicate := s.arcnames[cleaned]
	if !duplicate {
		s.arcnames[cleaned] = true
	}
	s.mu.Unlock()
	if duplicate {
		return voucherrors.Wrap(
			fmt.Errorf("artifact %q already added", cleaned),
			voucherrors.CategoryConfiguration, "artifact_duplicate",
			"give each artifact a unique name",
		)
	}

	destination := filepath.Join(s.workspace, trace.DataDir, filepath.FromSlash(cleaned))
	if _, err := fsx.CopyNoFollow(srcPath, destination, s.opts.MaxArtifactSize); err != nil {
		s.mu.Lock()
		delete(s.arcnames, cleaned)
		s.mu.Unlock()
		switch {
		case errors.Is(err, fsx.ErrIsSymlink):
			return voucherrors.Wrap(
				fmt.Errorf("artifact %s: %w", srcPath, err),
				voucherrors.CategoryConfiguration, "artifact_symlink",
				"copy the symlink target instead of the link",
			)
		case errors.Is(err, os.ErrNotExist):
			if s.opts.Strict {
				return voucherrors.Wrap(
					fmt.Errorf("artifact %s: %w", srcPath, err),
					voucherrors.CategoryConfiguration, "artifact_missing",
					"check the path, or run without strict mode to skip missing artifacts",
				)
			}
			s.warn(fmt.Sprintf("artifact %s does not exist and was skipped", srcPath))
			return nil
		case errors.Is(err, fsx.ErrTooLarge):
			if s.opts.Strict {
				return voucherrors.Wrap(
					fmt.Errorf("artifact %s: %w", srcPath, err),
					voucherrors.CategoryConfiguration, "artifact_too_large",
					"raise max_artifact_size or track the file by hash instead",
				)
			}
			s.warn(fmt.Sprintf("artifact %s exceeds the size limit and was skipped", srcPath))
			return nil
		default:
			return voucherrors.Wrap(
				fmt.Errorf("capture artifact %s: %w", srcPath, err),
				voucherrors.CategoryConfiguration, "artifact_capture_failed",
				"check the file exists and is readable",
			)
		}
	}

	digest, err := hashx.HashFile(destination)
	if err != nil {
		return fmt.Errorf("hash captured artifact %s: %w", cleaned, err)
	}
	s.mu.Lock()
	s.artifacts[cleaned] = digest
	s.mu.Unlock()
	return nil
}

func writeJSONFile(filePath string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(filePath), err)
	}
	return fsx.WriteFileAtomic(filePath, append(data, '\n'), 0o600)
}
