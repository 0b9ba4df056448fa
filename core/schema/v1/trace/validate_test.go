package trace

import (
	"encoding/json"
	"testing"
)

func validEntry() LogEntry {
	return LogEntry{
		SequenceNumber:    1,
		PreviousEntryHash: GenesisHash,
		Timestamp:         "2026-01-01T00:00:00Z",
		Action:            ActionCall,
		Target:            "calc",
		ArgsRepr:          []string{"1", "2"},
		KwargsRepr:        map[string]string{},
		ResultRepr:        "3",
		ArgsHash:          "abc",
		KwargsHash:        "def",
		ResultHash:        "ghi",
	}
}

func TestValidateLogEntryJSONAccepts(t *testing.T) {
	raw, err := json.Marshal(validEntry())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ValidateLogEntryJSON(raw); err != nil {
		t.Fatalf("expected valid entry: %v", err)
	}
}

func TestValidateLogEntryJSONRejectsBadSequence(t *testing.T) {
	entry := validEntry()
	entry.SequenceNumber = 0
	raw, _ := json.Marshal(entry)
	if err := ValidateLogEntryJSON(raw); err == nil {
		t.Fatalf("expected rejection for sequence_number 0")
	}
}

func TestValidateLogEntryJSONRejectsBadPreviousHash(t *testing.T) {
	entry := validEntry()
	entry.PreviousEntryHash = "not-hex"
	raw, _ := json.Marshal(entry)
	if err := ValidateLogEntryJSON(raw); err == nil {
		t.Fatalf("expected rejection for malformed previous_entry_hash")
	}
}

func TestValidateLogEntryJSONRejectsMissingTarget(t *testing.T) {
	if err := ValidateLogEntryJSON([]byte(`{"sequence_number":1}`)); err == nil {
		t.Fatalf("expected rejection for missing fields")
	}
}
