// Package verify checks a .vch evidence package: signature, optional
// timestamp, schema conformance, hash-chain continuity, artifact hashes,
// and externally tracked data files.
package verify

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/davidahmann/vouch/core/chainlog"
	"github.com/davidahmann/vouch/core/gitx"
	"github.com/davidahmann/vouch/core/hashx"
	"github.com/davidahmann/vouch/core/schema/v1/trace"
	"github.com/davidahmann/vouch/core/sign"
	"github.com/davidahmann/vouch/core/tsa"
	"github.com/davidahmann/vouch/core/zipx"
)

// Options configures one verification run.
type Options struct {
	PackagePath string
	// PublicKeyPath pins a trusted verification key. Without it the bundled
	// key is used, which proves integrity but not signer identity.
	PublicKeyPath string
	// TSACACert enables chain-of-trust validation of the timestamp signer.
	TSACACert string
	// Strict promotes warnings about unverifiable tracked files to errors.
	Strict bool
	// DataPaths maps a recorded tracked-file path (or its basename) to a
	// local copy to verify against.
	DataPaths map[string]string
	// AutoData retries each tracked file at its recorded path.
	AutoData bool
	// AutoDataDir resolves tracked files by basename under this directory.
	AutoDataDir string
}

// Check is one named verification step.
type Check struct {
	Name    string `json:"name"`
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// Report accumulates the outcome of every step.
type Report struct {
	Checks   []Check  `json:"checks"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *Report) pass(name, message string) {
	r.Checks = append(r.Checks, Check{Name: name, Valid: true, Message: message})
}

func (r *Report) fail(name, message string) {
	r.Checks = append(r.Checks, Check{Name: name, Valid: false, Message: message})
	r.Errors = append(r.Errors, name+": "+message)
}

func (r *Report) warn(message string) {
	r.Warnings = append(r.Warnings, message)
}

// Verify runs every check against the package. It never panics outward: a
// malformed package that trips an internal fault is reported as invalid.
func Verify(opts Options) (valid bool, report Report) {
	defer func() {
		if recovered := recover(); recovered != nil {
			buffer := make([]byte, 4096)
			n := runtime.Stack(buffer, false)
			report.fail("internal", fmt.Sprintf("verification aborted: %v\n%s", recovered, buffer[:n]))
			valid = false
		}
	}()
	report = Report{}
	run(opts, &report)
	return len(report.Errors) == 0, report
}

func run(opts Options, report *Report) {
	workDir, err := os.MkdirTemp("", "vouch-verify-*")
	if err != nil {
		report.fail("extract", fmt.Sprintf("create scratch directory: %v", err))
		return
	}
	defer func() {
		_ = os.RemoveAll(workDir)
	}()

	if err := zipx.ExtractSafe(opts.PackagePath, workDir); err != nil {
		report.fail("extract", err.Error())
		return
	}
	report.pass("extract", "package unpacked safely")

	logPath := filepath.Join(workDir, trace.FileAuditLog)
	missing := false
	for _, name := range []string{trace.FileAuditLog, trace.FileEnvironment, trace.FileSignature, trace.FilePublicKey} {
		if _, err := os.Stat(filepath.Join(workDir, name)); err != nil {
			report.fail("components", "required file missing: "+name)
			missing = true
		}
	}
	if missing {
		return
	}
	report.pass("components", "required files present")

	publicKey := loadVerificationKey(opts, workDir, report)
	if publicKey != nil {
		verifyLogSignature(workDir, logPath, publicKey, report)
	}

	verifyTimestampToken(opts, workDir, logPath, report)

	entries := verifyLogContent(logPath, report)

	verifyEnvironment(workDir, report)
	verifyGitMetadata(workDir, report)
	verifyArtifacts(workDir, publicKey, report)
	verifyExternalData(opts, entries, report)
	verifyTrackedFiles(opts, entries, report)
}

func loadVerificationKey(opts Options, workDir string, report *Report) *rsa.PublicKey {
	keyPath := opts.PublicKeyPath
	pinned := keyPath != ""
	if !pinned {
		keyPath = filepath.Join(workDir, trace.FilePublicKey)
	}
	publicKey, warnings, err := sign.LoadPublicKey(keyPath)
	if err != nil {
		report.fail("public_key", err.Error())
		return nil
	}
	for _, warning := range warnings {
		report.warn(warning)
	}
	if !pinned {
		report.warn("verifying against the bundled public key: this proves integrity, not signer identity")
	}
	report.pass("public_key", "verification key loaded")
	return publicKey
}

func verifyLogSignature(workDir, logPath string, publicKey *rsa.PublicKey, report *Report) {
	signature, err := os.ReadFile(filepath.Join(workDir, trace.FileSignature)) // #nosec G304 -- path inside the scratch extraction root.
	if err != nil {
		report.fail("signature", fmt.Sprintf("read signature: %v", err))
		return
	}
	if err := sign.VerifyFile(publicKey, logPath, signature); err != nil {
		report.fail("signature", "audit log signature is invalid: the log was modified or signed by a different key")
		return
	}
	report.pass("signature", "audit log signature verified")
}

// verifyTimestampToken fails closed: a present-but-invalid token is an
// error in every mode, because silently ignoring it would let an attacker
// strip the time guarantee by corrupting one file.
func verifyTimestampToken(opts Options, workDir, logPath string, report *Report) {
	tokenPath := filepath.Join(workDir, trace.FileTimestampToken)
	if _, err := os.Stat(tokenPath); os.IsNotExist(err) {
		report.warn("package carries no trusted timestamp")
		return
	}
	if err := tsa.VerifyTimestamp(logPath, tokenPath, opts.TSACACert); err != nil {
		report.fail("timestamp", err.Error())
		return
	}
	message := "timestamp token verified"
	if opts.TSACACert == "" {
		report.warn("timestamp signer chain of trust not checked (no CA bundle supplied)")
	} else {
		message = "timestamp token and signer chain verified"
	}
	report.pass("timestamp", message)
}

func verifyLogContent(logPath string, report *Report) []trace.LogEntry {
	// #nosec G304 -- path inside the scratch extraction root.
	raw, err := os.ReadFile(logPath)
	if err != nil {
		report.fail("audit_log", fmt.Sprintf("read audit log: %v", err))
		return nil
	}

	for index, line := range rawEntries(raw) {
		if err := trace.ValidateLogEntryJSON(line); err != nil {
			report.fail("schema", fmt.Sprintf("entry %d does not conform to the log entry schema: %v", index+1, err))
			return nil
		}
	}
	report.pass("schema", "all entries conform to the log entry schema")

	entries, err := chainlog.ParseLog(raw)
	if err != nil {
		report.fail("chain", err.Error())
		return nil
	}
	if err := chainlog.Replay(entries); err != nil {
		report.fail("chain", err.Error())
		return entries
	}
	report.pass("chain", fmt.Sprintf("hash chain intact across %d entries", len(entries)))
	return entries
}

// rawEntries yields each entry's JSON, handling both the NDJSON stream and
// the legacy array format.
func rawEntries(raw []byte) [][]byte {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var elements []json.RawMessage
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return [][]byte{raw}
		}
		out := make([][]byte, len(elements))
		for i, element := range elements {
			out[i] = element
		}
		return out
	}
	var out [][]byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out = append(out, line)
	}
	return out
}

func verifyEnvironment(workDir string, report *Report) {
	// #nosec G304 -- path inside the scratch extraction root.
	data, err := os.ReadFile(filepath.Join(workDir, trace.FileEnvironment))
	if err != nil {
		report.fail("environment", fmt.Sprintf("read environment.lock: %v", err))
		return
	}
	var environment trace.Environment
	if err := json.Unmarshal(data, &environment); err != nil {
		report.fail("environment", fmt.Sprintf("parse environment.lock: %v", err))
		return
	}
	if environment.ProducerVersion != trace.ProducerVersion {
		report.warn(fmt.Sprintf("package was recorded by version %s, verifier is %s",
			environment.ProducerVersion, trace.ProducerVersion))
	}
	if environment.GoVersion != runtime.Version() {
		report.warn(fmt.Sprintf("package was recorded on %s, verifier runs %s",
			environment.GoVersion, runtime.Version()))
	}
	report.pass("environment", "environment snapshot read")
}

func verifyGitMetadata(workDir string, report *Report) {
	metadata, err := gitx.ReadMetadata(filepath.Join(workDir, trace.FileGitMetadata))
	if err != nil {
		report.fail("git", err.Error())
		return
	}
	if metadata == nil {
		return
	}
	if metadata.IsDirty {
		report.warn("package was recorded from a dirty working tree (diff is bundled)")
	}
	report.pass("git", fmt.Sprintf("recorded at commit %s on %s", shortSHA(metadata.CommitSHA), metadata.Branch))
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	if sha == "" {
		return "(no commit)"
	}
	return sha
}

func verifyArtifacts(workDir string, publicKey *rsa.PublicKey, report *Report) {
	manifestPath := filepath.Join(workDir, trace.FileArtifacts)
	// #nosec G304 -- path inside the scratch extraction root.
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		report.fail("artifacts", fmt.Sprintf("read manifest: %v", err))
		return
	}

	if publicKey != nil {
		signature, err := os.ReadFile(filepath.Join(workDir, trace.FileArtifactsSig)) // #nosec G304 -- path inside the scratch extraction root.
		if err != nil {
			report.fail("artifacts", "artifact manifest is unsigned")
			return
		}
		if err := sign.VerifyFile(publicKey, manifestPath, signature); err != nil {
			report.fail("artifacts", "artifact manifest signature is invalid")
			return
		}
	}

	var manifest trace.ArtifactManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		report.fail("artifacts", fmt.Sprintf("parse manifest: %v", err))
		return
	}

	for name, expected := range manifest {
		cleaned := path.Clean(name)
		if cleaned != name || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/") || cleaned == ".." {
			report.fail("artifacts", fmt.Sprintf("manifest entry %q is not a safe relative path", name))
			return
		}
		artifactPath := filepath.Join(workDir, trace.DataDir, filepath.FromSlash(cleaned))
		actual, err := hashx.HashFile(artifactPath)
		if err != nil {
			report.fail("artifacts", fmt.Sprintf("artifact %s listed in manifest but unreadable: %v", name, err))
			return
		}
		if actual != expected {
			report.fail("artifacts", fmt.Sprintf("artifact %s hash mismatch: content was modified", name))
			return
		}
	}

	if extra := unlistedDataFiles(workDir, manifest); len(extra) > 0 {
		report.fail("artifacts", fmt.Sprintf("data files not covered by the signed manifest: %v", extra))
		return
	}
	report.pass("artifacts", fmt.Sprintf("%d artifact(s) match the signed manifest", len(manifest)))
}

func unlistedDataFiles(workDir string, manifest trace.ArtifactManifest) []string {
	dataDir := filepath.Join(workDir, trace.DataDir)
	var extra []string
	_ = filepath.Walk(dataDir, func(walkPath string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		relative, err := filepath.Rel(dataDir, walkPath)
		if err != nil {
			return nil
		}
		name := filepath.ToSlash(relative)
		if _, listed := manifest[name]; !listed {
			extra = append(extra, name)
		}
		return nil
	})
	return extra
}

// verifyExternalData confirms that the hash of every supplied data file
// appears somewhere in the log's extra hashes. Matching is content-based, so
// it covers hashes recorded under any key by any entry.
func verifyExternalData(opts Options, entries []trace.LogEntry, report *Report) {
	if len(opts.DataPaths) == 0 {
		return
	}
	recorded := map[string]bool{}
	for _, entry := range entries {
		for _, digest := range entry.ExtraHashes {
			recorded[digest] = true
		}
	}
	for name, localPath := range opts.DataPaths {
		digest, err := hashx.HashFile(localPath)
		if err != nil {
			report.fail("external_data", fmt.Sprintf("data file %s unreadable: %v", localPath, err))
			return
		}
		if !recorded[digest] {
			report.fail("external_data", fmt.Sprintf("data file %s (%s) does not match any hash recorded in the log", name, localPath))
			return
		}
	}
	report.pass("external_data", fmt.Sprintf("%d data file(s) match hashes recorded in the log", len(opts.DataPaths)))
}

// referencedFiles pairs every "<name>_path" extra hash with its
// "<name>_file_hash" sibling across all entries, so file hashes recorded on
// ordinary call entries by the interception layer are verified alongside
// explicit track_file entries.
func referencedFiles(entries []trace.LogEntry) map[string]string {
	out := map[string]string{}
	for _, entry := range entries {
		for key, recordedPath := range entry.ExtraHashes {
			if !strings.HasSuffix(key, "_path") {
				continue
			}
			hashKey := strings.TrimSuffix(key, "_path") + "_file_hash"
			if digest, ok := entry.ExtraHashes[hashKey]; ok {
				out[recordedPath] = digest
			}
		}
	}
	return out
}

func verifyTrackedFiles(opts Options, entries []trace.LogEntry, report *Report) {
	checked := 0
	for recordedPath, expected := range referencedFiles(entries) {
		localPath, found := resolveTrackedFile(opts, recordedPath)
		if !found {
			message := fmt.Sprintf("tracked file %s could not be located for verification", recordedPath)
			if opts.Strict {
				report.fail("tracked_files", message)
				return
			}
			report.warn(message)
			continue
		}
		actual, err := hashx.HashFile(localPath)
		if err != nil {
			report.fail("tracked_files", fmt.Sprintf("tracked file %s unreadable: %v", localPath, err))
			return
		}
		if actual != expected {
			report.fail("tracked_files", fmt.Sprintf("tracked file %s hash mismatch: content differs from recording time", recordedPath))
			return
		}
		checked++
	}
	if checked > 0 {
		report.pass("tracked_files", fmt.Sprintf("%d tracked file(s) match their recorded hashes", checked))
	}
}

func resolveTrackedFile(opts Options, recordedPath string) (string, bool) {
	base := filepath.Base(recordedPath)
	if local, ok := opts.DataPaths[recordedPath]; ok {
		return local, true
	}
	if local, ok := opts.DataPaths[base]; ok {
		return local, true
	}
	if opts.AutoData {
		if info, err := os.Stat(recordedPath); err == nil && info.Mode().IsRegular() {
			return recordedPath, true
		}
	}
	if opts.AutoDataDir != "" {
		candidate := filepath.Join(opts.AutoDataDir, base)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, true
		}
	}
	return "", false
}
