// Package session orchestrates a recording session: it owns the temporary
// workspace, the hash-chained audit log, the signing key, artifact capture,
// and the final signed .vch package.
package session

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/vouch/core/chainlog"
	voucherrors "github.com/davidahmann/vouch/core/errors"
	"github.com/davidahmann/vouch/core/gitx"
	"github.com/davidahmann/vouch/core/hashx"
	"github.com/davidahmann/vouch/core/redact"
	"github.com/davidahmann/vouch/core/schema/v1/trace"
	"github.com/davidahmann/vouch/core/sign"
	"github.com/davidahmann/vouch/core/tsa"
	"github.com/davidahmann/vouch/core/zipx"
)

// DefaultKeyPath is checked (project-local first, then home) when no
// explicit private key is configured.
const DefaultKeyPath = ".vouch/id_rsa"

// Options configures Begin. The zero value records an unsigned-key-less
// session only when AllowEphemeral is set; everything else has safe
// defaults.
type Options struct {
	// OutputPath is the .vch destination; the extension is appended when
	// missing.
	OutputPath string
	// Strict fails fast instead of degrading: no ephemeral fallback,
	// hashing instability is an error, oversized artifacts are an error,
	// and a failed timestamp aborts Close.
	Strict bool
	// LightMode skips content hashing of call payloads.
	LightMode bool
	// Seed, when set, seeds the session RNG and records the enforcement in
	// the audit log.
	Seed *int64
	// PrivateKeyPath overrides key autodetection.
	PrivateKeyPath string
	// KeyPassword decrypts an encrypted private key.
	KeyPassword []byte
	// AllowEphemeral permits a throwaway in-memory keypair when no key file
	// is found. Ephemeral signatures prove integrity but not identity, so
	// the fallback is opt-in and always refused in strict mode.
	AllowEphemeral bool
	// TSAURL, when set, requests an RFC 3161 timestamp over the audit log
	// at Close.
	TSAURL string
	// TSAClient overrides the default timestamp HTTP client.
	TSAClient *tsa.Client
	// MaxArtifactSize caps artifact capture in bytes; <= 0 means unlimited.
	MaxArtifactSize int64
	// CaptureScript bundles the running executable as a __script__ artifact.
	CaptureScript bool
	// CaptureGit bundles git_metadata.json when WorkDir is in a repository.
	CaptureGit bool
	// WorkDir is where git state is read from (default current directory).
	WorkDir string
	// NoRedact disables PII sanitization of logged payloads.
	NoRedact bool
}

// Session is a live recording. All methods are safe for concurrent use.
type Session struct {
	mu        sync.Mutex
	opts      Options
	id        string
	workspace string
	log       *chainlog.Logger
	key       *rsa.PrivateKey
	ephemeral bool
	artifacts trace.ArtifactManifest
	arcnames  map[string]bool
	warnings  []string
	rng       *rand.Rand
	closed    bool
}

// Begin acquires the process-wide session slot, resolves the signing key,
// opens the audit log in a fresh temporary workspace, and writes the
// initialization (and, when seeded, seed-enforcement) entries. Any failure
// unwinds completely: the slot is released and the workspace removed.
func Begin(ctx context.Context, opts Options) (*Session, error) {
	if strings.TrimSpace(opts.OutputPath) == "" {
		return nil, voucherrors.Wrap(
			fmt.Errorf("output path is required"),
			voucherrors.CategoryConfiguration, "output_path_missing",
			"pass the destination for the evidence package",
		)
	}
	if !strings.HasSuffix(opts.OutputPath, trace.PackageExtension) {
		opts.OutputPath += trace.PackageExtension
	}

	numericLibraries := detectNumericLibraries()
	if opts.Strict && len(numericLibraries) > 0 {
		return nil, voucherrors.Wrap(
			fmt.Errorf("numeric libraries with unseeded generators present: %s", strings.Join(numericLibraries, ", ")),
			voucherrors.CategoryConfiguration, "nondeterministic_dependency",
			"seed these libraries yourself and run without strict mode, or remove them",
		)
	}

	if !globalRegistry.tryAcquire() {
		return nil, ErrSessionActive
	}
	succeeded := false
	defer func() {
		if !succeeded {
			globalRegistry.release()
		}
	}()

	key, ephemeral, keyWarnings, err := resolveSigningKey(opts)
	if err != nil {
		return nil, err
	}

	workspace, err := os.MkdirTemp("", "vouch-session-*")
	if err != nil {
		return nil, fmt.Errorf("create session workspace: %w", err)
	}
	defer func() {
		if !succeeded {
			_ = os.RemoveAll(workspace)
		}
	}()
	if err := os.Mkdir(filepath.Join(workspace, trace.DataDir), 0o750); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}

	var sanitizer chainlog.Sanitizer
	if !opts.NoRedact {
		sanitizer = redact.NewDetector()
	}
	log, err := chainlog.New(filepath.Join(workspace, trace.FileAuditLog), chainlog.Options{
		LightMode: opts.LightMode,
		Strict:    opts.Strict,
		Sanitizer: sanitizer,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if !succeeded {
			_ = log.Close()
		}
	}()

	s := &Session{
		opts:      opts,
		id:        uuid.NewString(),
		workspace: workspace,
		log:       log,
		key:       key,
		ephemeral: ephemeral,
		artifacts: trace.ArtifactManifest{},
		arcnames:  map[string]bool{},
		warnings:  keyWarnings,
	}
	for _, warning := range keyWarnings {
		slog.Warn(warning, "session_id", s.id)
	}
	for _, library := range numericLibraries {
		s.warn(fmt.Sprintf(
			"numeric library %s detected: seed enforcement does not cover its random number generator", library))
	}

	if err := log.LogCall(chainlog.Call{
		Target: trace.TargetInitialize,
		ExtraHashes: map[string]string{
			trace.ExtraSessionID: s.id,
			trace.ExtraTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
		},
	}); err != nil {
		return nil, err
	}

	if opts.Seed != nil {
		s.rng = rand.New(rand.NewSource(*opts.Seed)) // #nosec G404 -- reproducibility seed, not a secret.
		if err := log.LogCall(chainlog.Call{
			Target: trace.TargetSeedEnforced,
			Kwargs: map[string]any{"seed": *opts.Seed},
		}); err != nil {
			return nil, err
		}
	}

	if opts.CaptureScript {
		s.captureInvokingBinary()
	}

	if opts.CaptureGit {
		workDir := opts.WorkDir
		if workDir == "" {
			workDir = "."
		}
		if metadata, ok := gitx.Capture(ctx, workDir); ok {
			if err := gitx.WriteMetadata(filepath.Join(workspace, trace.FileGitMetadata), metadata); err != nil {
				return nil, err
			}
		} else {
			s.warn("git capture requested but no repository state was available")
		}
	}

	succeeded = true
	return s, nil
}

func resolveSigningKey(opts Options) (*rsa.PrivateKey, bool, []string, error) {
	keyPath := strings.TrimSpace(opts.PrivateKeyPath)
	if keyPath == "" {
		keyPath = autodetectKeyPath()
	}
	if keyPath != "" {
		key, err := sign.LoadPrivateKey(keyPath, opts.KeyPassword)
		if err != nil {
			return nil, false, nil, err
		}
		return key, false, nil, nil
	}

	if opts.Strict {
		return nil, false, nil, voucherrors.Wrap(
			fmt.Errorf("no signing key found and strict mode forbids ephemeral keys"),
			voucherrors.CategoryConfiguration, "key_required",
			"generate a keypair with 'vouch gen-keys' or pass --key",
		)
	}
	if !opts.AllowEphemeral {
		return nil, false, nil, voucherrors.Wrap(
			fmt.Errorf("no signing key found at %s or ~/%s", DefaultKeyPath, DefaultKeyPath),
			voucherrors.CategoryConfiguration, "key_not_found",
			"generate a keypair with 'vouch gen-keys', or opt in to an ephemeral key",
		)
	}
	key, err := sign.GenerateEphemeralKey()
	if err != nil {
		return nil, false, nil, err
	}
	warning := "signing with an ephemeral key: the package proves integrity but not signer identity"
	return key, true, []string{warning}, nil
}

func autodetectKeyPath() string {
	if fileExists(DefaultKeyPath) {
		return DefaultKeyPath
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, DefaultKeyPath)
		if fileExists(candidate) {
			return candidate
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// captureInvokingBinary bundles the running executable under a __script__
// arcname. Capture is best-effort: any failure becomes a warning.
func (s *Session) captureInvokingBinary() {
	executable, err := os.Executable()
	if err == nil {
		executable, err = filepath.EvalSymlinks(executable)
	}
	if err == nil {
		err = s.AddArtifact(executable, "__script__"+filepath.Base(executable))
	}
	if err != nil {
		s.warn(fmt.Sprintf("could not capture the invoking binary: %v", err))
	}
}

// ID returns the session UUID recorded in the initialization entry.
func (s *Session) ID() string {
	return s.id
}

// Rand returns the seeded RNG, or nil when no seed was configured.
func (s *Session) Rand() *rand.Rand {
	return s.rng
}

// Warnings returns the non-fatal issues accumulated so far.
func (s *Session) Warnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.warnings))
	copy(out, s.warnings)
	return out
}

func (s *Session) warn(message string) {
	s.mu.Lock()
	s.warnings = append(s.warnings, message)
	s.mu.Unlock()
	slog.Warn(message, "session_id", s.id)
}

// LogCall appends one observed call to the audit log.
func (s *Session) LogCall(call chainlog.Call) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	return s.log.LogCall(call)
}

// Annotate appends a metadata key/value pair as an audit log entry.
func (s *Session) Annotate(key string, value any) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	return s.log.LogCall(chainlog.Call{
		Target: trace.TargetAnnotate,
		Args:   []any{key, value},
	})
}

// TrackFile records the current content hash of a file without copying it
// into the package. Verification later recomputes the hash from a
// caller-supplied copy.
func (s *Session) TrackFile(path string) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	digest, err := hashx.HashFile(path)
	if err != nil {
		return voucherrors.Wrap(
			fmt.Errorf("track file %s: %w", path, err),
			voucherrors.CategoryConfiguration, "track_file_failed",
			"check the file exists and is readable",
		)
	}
	return s.log.LogCall(chainlog.Call{
		Target: trace.TargetTrackFile,
		Args:   []any{path},
		ExtraHashes: map[string]string{
			trace.ExtraTrackedHash: digest,
			trace.ExtraTrackedPath: path,
		},
	})
}

func (s *Session) requireOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session is closed")
	}
	return nil
}

// Close finalizes the session: it snapshots the environment, writes the
// artifact manifest, seals and signs the audit log, requests the optional
// timestamp, and zips everything into the .vch package. The workspace and
// the session slot are released whether or not finalization succeeds.
func (s *Session) Close(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("session is already closed")
	}
	s.closed = true
	s.mu.Unlock()

	defer globalRegistry.release()
	defer func() {
		_ = os.RemoveAll(s.workspace)
	}()

	if err := s.finalize(ctx); err != nil {
		return "", err
	}
	return s.opts.OutputPath, nil
}

func (s *Session) finalize(ctx context.Context) error {
	if err := writeJSONFile(filepath.Join(s.workspace, trace.FileEnvironment), snapshotEnvironment()); err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(s.workspace, trace.FileArtifacts), s.artifacts); err != nil {
		return err
	}
	if err := s.log.Close(); err != nil {
		return err
	}

	logPath := filepath.Join(s.workspace, trace.FileAuditLog)
	manifestPath := filepath.Join(s.workspace, trace.FileArtifacts)
	logSignature, err := sign.SignFile(s.key, logPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.workspace, trace.FileSignature), logSignature, 0o600); err != nil {
		return fmt.Errorf("write signature: %w", err)
	}
	manifestSignature, err := sign.SignFile(s.key, manifestPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.workspace, trace.FileArtifactsSig), manifestSignature, 0o600); err != nil {
		return fmt.Errorf("write manifest signature: %w", err)
	}
	publicPEM, err := sign.EncodePublicKeyPEM(&s.key.PublicKey)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.workspace, trace.FilePublicKey), publicPEM, 0o600); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	if s.opts.TSAURL != "" {
		if err := s.requestTimestamp(ctx, logPath); err != nil {
			return err
		}
	}

	if err := zipx.ZipDirectory(s.workspace, s.opts.OutputPath); err != nil {
		return err
	}
	return nil
}

func (s *Session) requestTimestamp(_ context.Context, logPath string) error {
	client := s.opts.TSAClient
	if client == nil {
		client = &tsa.Client{}
	}
	token, err := client.RequestTimestamp(logPath, s.opts.TSAURL)
	if err != nil {
		if s.opts.Strict {
			return voucherrors.Wrap(
				fmt.Errorf("timestamp request failed: %w", err),
				voucherrors.CategoryTransient, "timestamp_unavailable",
				"check the TSA URL or retry when the authority is reachable",
			)
		}
		s.warn(fmt.Sprintf("timestamp request failed, package carries no timestamp: %v", err))
		return nil
	}
	if err := os.WriteFile(filepath.Join(s.workspace, trace.FileTimestampToken), token, 0o600); err != nil {
		return fmt.Errorf("write timestamp token: %w", err)
	}
	return nil
}
