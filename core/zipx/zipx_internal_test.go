package zipx

import (
	"archive/zip"
	"io"
	"testing"
)

func writeRawZip(t *testing.T, w io.WriteCloser, name string, data []byte) {
	t.Helper()
	writer := zip.NewWriter(w)
	entry, err := writer.Create(name)
	if err != nil {
		t.Fatalf("create raw entry: %v", err)
	}
	if _, err := entry.Write(data); err != nil {
		t.Fatalf("write raw entry: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close raw zip: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close raw file: %v", err)
	}
}
