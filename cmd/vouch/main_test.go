package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunDispatchUnknownCommand(t *testing.T) {
	if code := run([]string{"vouch", "frobnicate"}); code != exitInvalidInput {
		t.Fatalf("expected invalid-input exit, got %d", code)
	}
}

func TestRunVersion(t *testing.T) {
	if code := run([]string{"vouch", "version"}); code != exitOK {
		t.Fatalf("version exit %d", code)
	}
}

func TestGenKeysWritesKeypair(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	if code := run([]string{"vouch", "gen-keys", "--out-dir", dir}); code != exitOK {
		t.Fatalf("gen-keys exit %d", code)
	}
	for _, name := range []string{"id_rsa", "id_rsa.pub"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestRecordVerifyRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	keyDir := filepath.Join(dir, "keys")
	if code := run([]string{"vouch", "gen-keys", "--out-dir", keyDir}); code != exitOK {
		t.Fatalf("gen-keys exit %d", code)
	}

	artifact := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(artifact, []byte("observations"), 0o600); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	packagePath := filepath.Join(dir, "run.vch")

	if code := run([]string{
		"vouch", "record",
		"--out", packagePath,
		"--key", filepath.Join(keyDir, "id_rsa"),
		"--seed", "42",
		artifact,
	}); code != exitOK {
		t.Fatalf("record exit %d", code)
	}

	if code := run([]string{
		"vouch", "verify",
		"--public-key", filepath.Join(keyDir, "id_rsa.pub"),
		packagePath,
	}); code != exitOK {
		t.Fatalf("verify exit %d", code)
	}

	if code := run([]string{"vouch", "inspect", packagePath}); code != exitOK {
		t.Fatalf("inspect exit %d", code)
	}
}

func TestVerifyReadsProjectConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	keyDir := filepath.Join(dir, "keys")
	if code := run([]string{"vouch", "gen-keys", "--out-dir", keyDir}); code != exitOK {
		t.Fatalf("gen-keys exit %d", code)
	}
	packagePath := filepath.Join(dir, "run.vch")
	if code := run([]string{
		"vouch", "record",
		"--out", packagePath,
		"--key", filepath.Join(keyDir, "id_rsa"),
	}); code != exitOK {
		t.Fatalf("record exit %d", code)
	}

	foreignDir := filepath.Join(dir, "foreign")
	if code := run([]string{"vouch", "gen-keys", "--out-dir", foreignDir}); code != exitOK {
		t.Fatalf("gen-keys foreign exit %d", code)
	}

	configPath := filepath.Join(dir, "config.yaml")
	config := "verify:\n  public_key: " + filepath.Join(keyDir, "id_rsa.pub") + "\n"
	if err := os.WriteFile(configPath, []byte(config), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if code := run([]string{"vouch", "verify", "--config", configPath, packagePath}); code != exitOK {
		t.Fatalf("verify with config key exit %d", code)
	}

	// A config pinning an unrelated key must make verification fail, which
	// proves the key really came from the config file.
	foreignConfig := "verify:\n  public_key: " + filepath.Join(foreignDir, "id_rsa.pub") + "\n"
	if err := os.WriteFile(configPath, []byte(foreignConfig), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if code := run([]string{"vouch", "verify", "--config", configPath, packagePath}); code != exitVerifyFailed {
		t.Fatalf("expected verify failure with foreign config key, got %d", code)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.vch")
	if err := os.WriteFile(path, []byte("nope"), 0o600); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	if code := run([]string{"vouch", "verify", path}); code != exitVerifyFailed {
		t.Fatalf("expected verify failure exit, got %d", code)
	}
}

func TestVerifyRequiresPackageArgument(t *testing.T) {
	if code := run([]string{"vouch", "verify"}); code != exitInvalidInput {
		t.Fatalf("expected invalid-input exit, got %d", code)
	}
}
