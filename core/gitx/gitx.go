// Package gitx captures repository state for inclusion in an evidence
// package. Capture is best-effort: a missing git binary or a directory
// outside any repository yields (nil, false), never an error, so recording
// keeps working in non-git environments.
package gitx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/davidahmann/vouch/core/schema/v1/trace"
)

const commandTimeout = 10 * time.Second

// maxDiffBytes caps the captured working-tree diff so a pathological
// repository cannot bloat the evidence package.
const maxDiffBytes = 1 << 20

// Capture collects the current commit, branch, dirty flag, and (when dirty)
// the working-tree diff for the repository containing dir.
func Capture(ctx context.Context, dir string) (*trace.GitMetadata, bool) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, false
	}
	if inside, err := run(ctx, dir, "rev-parse", "--is-inside-work-tree"); err != nil || inside != "true" {
		return nil, false
	}

	commit, err := run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		// A repository with no commits yet still records its branch.
		commit = ""
	}
	branch, err := run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		branch = ""
	}

	metadata := &trace.GitMetadata{
		CommitSHA: commit,
		Branch:    branch,
	}
	status, err := run(ctx, dir, "status", "--porcelain")
	if err == nil && status != "" {
		metadata.IsDirty = true
		diff, err := run(ctx, dir, "diff", "HEAD")
		if err == nil {
			if len(diff) > maxDiffBytes {
				diff = diff[:maxDiffBytes] + "\n... (diff truncated)"
			}
			metadata.Diff = diff
		}
	}
	return metadata, true
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	command := exec.CommandContext(ctx, "git", args...) // #nosec G204 -- static git subcommands.
	command.Dir = strings.TrimSpace(dir)
	var stdoutBuf bytes.Buffer
	command.Stdout = &stdoutBuf
	if err := command.Run(); err != nil {
		return "", err
	}
	return strings.TrimRight(stdoutBuf.String(), "\n"), nil
}

// WriteMetadata persists captured metadata as JSON inside the session
// workspace.
func WriteMetadata(path string, metadata *trace.GitMetadata) error {
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("encode git metadata: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write git metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads git metadata from an extracted package, returning
// (nil, nil) when the file does not exist.
func ReadMetadata(path string) (*trace.GitMetadata, error) {
	// #nosec G304 -- verification reads operator-supplied package contents.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read git metadata: %w", err)
	}
	var metadata trace.GitMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("parse git metadata: %w", err)
	}
	return &metadata, nil
}
