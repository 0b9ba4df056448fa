package chainlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/davidahmann/vouch/core/jcs"
	trace "github.com/davidahmann/vouch/core/schema/v1/trace"
)

// ReadLog parses an audit log file in either format: the streaming NDJSON
// form or the legacy single-JSON-array form, distinguished by the first
// non-whitespace byte.
func ReadLog(path string) ([]trace.LogEntry, error) {
	// #nosec G304 -- verification reads operator-supplied package contents.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return ParseLog(data)
}

// ParseLog is ReadLog over in-memory bytes.
func ParseLog(data []byte) ([]trace.LogEntry, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var entries []trace.LogEntry
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, fmt.Errorf("parse legacy audit log array: %w", err)
		}
		return entries, nil
	}

	var entries []trace.LogEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry trace.LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("parse audit log line %d: %w", lineNumber, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return entries, nil
}

// Replay re-derives the hash chain over entries, checking both sequence
// continuity and previous-hash linkage entry by entry. Any mutation of an
// entry breaks verification at or after its index.
func Replay(entries []trace.LogEntry) error {
	prevHash := trace.GenesisHash
	expectedSequence := int64(1)
	for i, entry := range entries {
		if entry.SequenceNumber != expectedSequence {
			return fmt.Errorf("entry %d: sequence mismatch (expected %d, got %d)", i, expectedSequence, entry.SequenceNumber)
		}
		if entry.PreviousEntryHash != prevHash {
			return fmt.Errorf("entry %d: previous hash mismatch", i)
		}
		entryHash, err := jcs.DigestJSONValue(entry)
		if err != nil {
			return fmt.Errorf("entry %d: rehash failed: %w", i, err)
		}
		prevHash = entryHash
		expectedSequence++
	}
	return nil
}
