package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davidahmann/vouch/core/chainlog"
	voucherrors "github.com/davidahmann/vouch/core/errors"
	"github.com/davidahmann/vouch/core/schema/v1/trace"
	"github.com/davidahmann/vouch/core/sign"
	"github.com/davidahmann/vouch/core/zipx"
)

func testKeyPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	opts := sign.GenerateOptions{
		PrivateKeyPath: filepath.Join(dir, "id_rsa"),
		PublicKeyPath:  filepath.Join(dir, "id_rsa.pub"),
	}
	if err := sign.GenerateKeys(opts); err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	return opts.PrivateKeyPath
}

func beginTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.OutputPath == "" {
		opts.OutputPath = filepath.Join(t.TempDir(), "run.vch")
	}
	if opts.PrivateKeyPath == "" && !opts.AllowEphemeral {
		opts.PrivateKeyPath = testKeyPath(t)
	}
	s, err := Begin(context.Background(), opts)
	if err != nil {
		t.Fatalf("begin session: %v", err)
	}
	t.Cleanup(func() {
		if _, err := s.Close(context.Background()); err != nil && !strings.Contains(err.Error(), "already closed") {
			t.Logf("cleanup close: %v", err)
		}
	})
	return s
}

func extractPackage(t *testing.T, packagePath string) string {
	t.Helper()
	dir := t.TempDir()
	if err := zipx.ExtractSafe(packagePath, dir); err != nil {
		t.Fatalf("extract package: %v", err)
	}
	return dir
}

func TestSessionProducesPackage(t *testing.T) {
	seed := int64(42)
	s := beginTestSession(t, Options{Seed: &seed})

	input := filepath.Join(t.TempDir(), "input.txt")
	if err := os.WriteFile(input, []byte("1,2,3\n"), 0o600); err != nil {
		t.Fatalf("write input: %v", err)
	}
	if err := s.AddArtifact(input, ""); err != nil {
		t.Fatalf("add artifact: %v", err)
	}
	if err := s.LogCall(chainlog.Call{
		Target: "calculator.add",
		Args:   []any{2, 2},
		Result: 4,
	}); err != nil {
		t.Fatalf("log call: %v", err)
	}
	if err := s.Annotate("phase", "manual checkpoint"); err != nil {
		t.Fatalf("annotate: %v", err)
	}

	packagePath, err := s.Close(context.Background())
	if err != nil {
		t.Fatalf("close session: %v", err)
	}

	dir := extractPackage(t, packagePath)
	for _, name := range []string{
		trace.FileAuditLog, trace.FileEnvironment, trace.FileSignature,
		trace.FilePublicKey, trace.FileArtifacts, trace.FileArtifactsSig,
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("package missing %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, trace.DataDir, "input.txt")); err != nil {
		t.Errorf("artifact not bundled: %v", err)
	}

	entries, err := chainlog.ReadLog(filepath.Join(dir, trace.FileAuditLog))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if err := chainlog.Replay(entries); err != nil {
		t.Fatalf("chain replay: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries (init, seed, call, annotate), got %d", len(entries))
	}
	if entries[0].Target != trace.TargetInitialize {
		t.Errorf("first entry target %q", entries[0].Target)
	}
	if entries[0].ExtraHashes[trace.ExtraSessionID] != s.ID() {
		t.Errorf("initialize entry missing session id")
	}
	if entries[1].Target != trace.TargetSeedEnforced {
		t.Errorf("second entry target %q", entries[1].Target)
	}
	if entries[2].Target != "calculator.add" || entries[2].ResultRepr != "4" {
		t.Errorf("unexpected call entry: %+v", entries[2])
	}
	if entries[3].Target != trace.TargetAnnotate || len(entries[3].ArgsRepr) != 2 || entries[3].ArgsRepr[0] != "phase" {
		t.Errorf("unexpected annotate entry: %+v", entries[3])
	}
}

func TestSessionSingleton(t *testing.T) {
	s := beginTestSession(t, Options{})
	if _, err := Begin(context.Background(), Options{OutputPath: filepath.Join(t.TempDir(), "x.vch")}); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	if _, err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The slot is free again after Close.
	second := beginTestSession(t, Options{})
	if _, err := second.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestSessionArtifactIsImmutableCopy(t *testing.T) {
	s := beginTestSession(t, Options{})
	src := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(src, []byte("weights-v1"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := s.AddArtifact(src, "model.bin"); err != nil {
		t.Fatalf("add artifact: %v", err)
	}
	// Mutating the source after capture must not change the package.
	if err := os.WriteFile(src, []byte("weights-v2"), 0o600); err != nil {
		t.Fatalf("mutate source: %v", err)
	}

	packagePath, err := s.Close(context.Background())
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	dir := extractPackage(t, packagePath)
	captured, err := os.ReadFile(filepath.Join(dir, trace.DataDir, "model.bin"))
	if err != nil {
		t.Fatalf("read captured artifact: %v", err)
	}
	if string(captured) != "weights-v1" {
		t.Fatalf("artifact content changed after capture: %q", captured)
	}
}

func TestSessionRejectsSymlinkArtifact(t *testing.T) {
	s := beginTestSession(t, Options{})
	dir := t.TempDir()
	target := filepath.Join(dir, "real.txt")
	if err := os.WriteFile(target, []byte("x"), 0o600); err != nil {
		t.Fatalf("write target: %v", err)
	}
	link := filepath.Join(dir, "link.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if err := s.AddArtifact(link, ""); err == nil {
		t.Fatal("expected symlink rejection")
	}
}

func TestSessionRejectsTraversalArcname(t *testing.T) {
	s := beginTestSession(t, Options{})
	src := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(src, []byte("x"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	for _, name := range []string{"../escape.txt", "/abs.txt", ".."} {
		if err := s.AddArtifact(src, name); err == nil {
			t.Errorf("expected rejection for arcname %q", name)
		}
	}
}

func TestSessionRejectsDuplicateArcname(t *testing.T) {
	s := beginTestSession(t, Options{})
	src := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(src, []byte("x"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := s.AddArtifact(src, "f.txt"); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := s.AddArtifact(src, "f.txt"); err == nil {
		t.Fatal("expected duplicate rejection")
	}
}

func TestSessionOversizeArtifactAsymmetry(t *testing.T) {
	src := filepath.Join(t.TempDir(), "big.bin")
	if err := os.WriteFile(src, make([]byte, 2048), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	strict := beginTestSession(t, Options{Strict: true, MaxArtifactSize: 1024})
	err := strict.AddArtifact(src, "")
	if err == nil {
		t.Fatal("strict mode must reject oversized artifacts")
	}
	if voucherrors.CategoryOf(err) != voucherrors.CategoryConfiguration {
		t.Fatalf("unexpected error category %q", voucherrors.CategoryOf(err))
	}
	if _, err := strict.Close(context.Background()); err != nil {
		t.Fatalf("close strict: %v", err)
	}

	relaxed := beginTestSession(t, Options{MaxArtifactSize: 1024})
	if err := relaxed.AddArtifact(src, ""); err != nil {
		t.Fatalf("non-strict oversize should warn, not error: %v", err)
	}
	warned := false
	for _, warning := range relaxed.Warnings() {
		if strings.Contains(warning, "size limit") {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected size-limit warning, got %v", relaxed.Warnings())
	}
	packagePath, err := relaxed.Close(context.Background())
	if err != nil {
		t.Fatalf("close relaxed: %v", err)
	}
	dir := extractPackage(t, packagePath)
	if _, err := os.Stat(filepath.Join(dir, trace.DataDir, "big.bin")); !os.IsNotExist(err) {
		t.Fatal("oversized artifact must not be bundled")
	}
}

func TestSessionSkipsMissingArtifactUnlessStrict(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "gone.csv")

	strict := beginTestSession(t, Options{Strict: true})
	err := strict.AddArtifact(missing, "")
	if err == nil {
		t.Fatal("strict mode must reject a missing artifact source")
	}
	if voucherrors.CategoryOf(err) != voucherrors.CategoryConfiguration {
		t.Fatalf("unexpected error category %q", voucherrors.CategoryOf(err))
	}
	if _, err := strict.Close(context.Background()); err != nil {
		t.Fatalf("close strict: %v", err)
	}

	relaxed := beginTestSession(t, Options{})
	if err := relaxed.AddArtifact(missing, ""); err != nil {
		t.Fatalf("non-strict missing artifact should warn, not error: %v", err)
	}
	warned := false
	for _, warning := range relaxed.Warnings() {
		if strings.Contains(warning, "does not exist") {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected missing-artifact warning, got %v", relaxed.Warnings())
	}
	packagePath, err := relaxed.Close(context.Background())
	if err != nil {
		t.Fatalf("close relaxed: %v", err)
	}
	dir := extractPackage(t, packagePath)
	if _, err := os.Stat(filepath.Join(dir, trace.DataDir, "gone.csv")); !os.IsNotExist(err) {
		t.Fatal("missing artifact must not appear in the package")
	}
}

func TestSessionStrictRejectsNumericLibraries(t *testing.T) {
	saved := numericLibraryPrefixes
	// The test binary links google/uuid, so this prefix always matches.
	numericLibraryPrefixes = []string{"github.com/google/uuid"}
	defer func() { numericLibraryPrefixes = saved }()

	_, err := Begin(context.Background(), Options{
		OutputPath:     filepath.Join(t.TempDir(), "x.vch"),
		Strict:         true,
		PrivateKeyPath: testKeyPath(t),
	})
	if err == nil {
		t.Fatal("strict mode must refuse to start with unseeded numeric libraries present")
	}
	if !strings.Contains(err.Error(), "github.com/google/uuid") {
		t.Fatalf("error should name the library, got %v", err)
	}
	if voucherrors.CategoryOf(err) != voucherrors.CategoryConfiguration {
		t.Fatalf("unexpected error category %q", voucherrors.CategoryOf(err))
	}

	relaxed := beginTestSession(t, Options{})
	warned := false
	for _, warning := range relaxed.Warnings() {
		if strings.Contains(warning, "github.com/google/uuid") {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected numeric-library warning, got %v", relaxed.Warnings())
	}
}

func TestSessionCapturesInvokingBinary(t *testing.T) {
	s := beginTestSession(t, Options{CaptureScript: true})
	packagePath, err := s.Close(context.Background())
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	dir := extractPackage(t, packagePath)
	entries, err := os.ReadDir(filepath.Join(dir, trace.DataDir))
	if err != nil {
		t.Fatalf("read data dir: %v", err)
	}
	found := false
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "__script__") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a __script__ artifact, got %v", entries)
	}
}

func TestSessionStrictRefusesEphemeralKey(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, err := Begin(context.Background(), Options{
		OutputPath: filepath.Join(t.TempDir(), "x.vch"),
		Strict:     true,
	})
	if err == nil {
		t.Fatal("strict mode without a key must refuse to start")
	}
}

func TestSessionEphemeralKeyIsOptIn(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	if _, err := Begin(context.Background(), Options{
		OutputPath: filepath.Join(t.TempDir(), "x.vch"),
	}); err == nil {
		t.Fatal("missing key without AllowEphemeral must fail")
	}

	s := beginTestSession(t, Options{AllowEphemeral: true})
	warned := false
	for _, warning := range s.Warnings() {
		if strings.Contains(warning, "ephemeral") {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected ephemeral warning, got %v", s.Warnings())
	}
}

func TestSessionTrackFileRecordsHash(t *testing.T) {
	s := beginTestSession(t, Options{})
	src := filepath.Join(t.TempDir(), "dataset.csv")
	if err := os.WriteFile(src, []byte("a,b\n1,2\n"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	if err := s.TrackFile(src); err != nil {
		t.Fatalf("track file: %v", err)
	}
	packagePath, err := s.Close(context.Background())
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	dir := extractPackage(t, packagePath)
	entries, err := chainlog.ReadLog(filepath.Join(dir, trace.FileAuditLog))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	last := entries[len(entries)-1]
	if last.Target != trace.TargetTrackFile {
		t.Fatalf("unexpected target %q", last.Target)
	}
	if len(last.ExtraHashes[trace.ExtraTrackedHash]) != 64 {
		t.Fatalf("tracked hash missing: %v", last.ExtraHashes)
	}
}

func TestSessionTimestampFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	strict := beginTestSession(t, Options{Strict: true, TSAURL: server.URL})
	if _, err := strict.Close(context.Background()); err == nil {
		t.Fatal("strict close must fail when the TSA is unreachable")
	}

	relaxed := beginTestSession(t, Options{TSAURL: server.URL})
	packagePath, err := relaxed.Close(context.Background())
	if err != nil {
		t.Fatalf("non-strict close should succeed without a timestamp: %v", err)
	}
	dir := extractPackage(t, packagePath)
	if _, err := os.Stat(filepath.Join(dir, trace.FileTimestampToken)); !os.IsNotExist(err) {
		t.Fatal("failed timestamp must not leave a token in the package")
	}
}

func TestSessionClosedRefusesWrites(t *testing.T) {
	s := beginTestSession(t, Options{})
	if _, err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.LogCall(chainlog.Call{Target: "late.call"}); err == nil {
		t.Fatal("expected error logging to a closed session")
	}
	if err := s.AddArtifact("whatever", ""); err == nil {
		t.Fatal("expected error adding artifact to a closed session")
	}
}
