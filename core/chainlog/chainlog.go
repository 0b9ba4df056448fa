package chainlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/davidahmann/vouch/core/hashx"
	"github.com/davidahmann/vouch/core/jcs"
	trace "github.com/davidahmann/vouch/core/schema/v1/trace"
)

const maxReprLength = 1000

// Sanitizer transforms values before repr capture and hashing, so redacted
// content never reaches either channel.
type Sanitizer interface {
	Sanitize(value any) any
	SanitizeString(text string) string
}

// Options configures a Logger.
type Options struct {
	// LightMode skips content hashing of args/kwargs/result, recording the
	// SKIPPED_LIGHT sentinel instead. Reprs and extra hashes still land.
	LightMode bool
	// Strict promotes hashing instability into a LogCall error.
	Strict bool
	// Sanitizer, when set, redacts PII before repr capture and hashing.
	Sanitizer Sanitizer
	// Hasher defaults to hashx.Default.
	Hasher *hashx.Hasher
}

// Call is one observed event to append.
type Call struct {
	Target      string
	Args        []any
	Kwargs      map[string]any
	Result      any
	ExtraHashes map[string]string
	Err         error
}

// Logger streams hash-chained entries to disk as NDJSON, one flushed line
// per call, so a killed process keeps every entry written so far.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	sequence  int64
	prevHash  string
	entries   int64
	closed    bool
	lightMode bool
	strict    bool
	sanitizer Sanitizer
	hasher    *hashx.Hasher
}

// New opens (truncating) the stream file at path.
func New(path string, opts Options) (*Logger, error) {
	// #nosec G304 -- the stream lives inside the session-owned workspace.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log stream: %w", err)
	}
	hasher := opts.Hasher
	if hasher == nil {
		hasher = hashx.Default
	}
	return &Logger{
		file:      file,
		prevHash:  trace.GenesisHash,
		lightMode: opts.LightMode,
		strict:    opts.Strict,
		sanitizer: opts.Sanitizer,
		hasher:    hasher,
	}, nil
}

// LogCall appends one entry. Repr and hash work for the new entry runs
// before the lock; the sequence increment, chain-hash linkage, and the
// flushed write happen under one mutex so the chain invariants hold with
// concurrent writers.
func (l *Logger) LogCall(call Call) error {
	args := call.Args
	if args == nil {
		args = []any{}
	}
	kwargs := call.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	result := call.Result
	errorText := ""
	if call.Err != nil {
		errorText = call.Err.Error()
	}

	if l.sanitizer != nil {
		sanitizedArgs, ok := l.sanitizer.Sanitize(args).([]any)
		if ok {
			args = sanitizedArgs
		}
		sanitizedKwargs, ok := l.sanitizer.Sanitize(kwargs).(map[string]any)
		if ok {
			kwargs = sanitizedKwargs
		}
		result = l.sanitizer.Sanitize(result)
		errorText = l.sanitizer.SanitizeString(errorText)
	}

	entry := trace.LogEntry{
		Action:     trace.ActionCall,
		Target:     call.Target,
		ArgsRepr:   make([]string, len(args)),
		KwargsRepr: make(map[string]string, len(kwargs)),
		ResultRepr: l.repr(result),
	}
	for i, arg := range args {
		entry.ArgsRepr[i] = l.repr(arg)
	}
	for key, value := range kwargs {
		entry.KwargsRepr[key] = l.repr(value)
	}
	if len(call.ExtraHashes) > 0 {
		entry.ExtraHashes = make(map[string]string, len(call.ExtraHashes))
		for key, value := range call.ExtraHashes {
			entry.ExtraHashes[key] = value
		}
	}
	if call.Err != nil {
		entry.Error = errorText
		entry.ErrorType = fmt.Sprintf("%T", call.Err)
	}

	if err := l.fillHashes(&entry, args, kwargs, result, call.Err != nil); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("audit log is closed")
	}

	l.sequence++
	entry.SequenceNumber = l.sequence
	entry.PreviousEntryHash = l.prevHash
	entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	line, err := json.Marshal(entry)
	if err != nil {
		l.sequence--
		return fmt.Errorf("encode log entry: %w", err)
	}
	entryHash, err := jcs.DigestJCS(line)
	if err != nil {
		l.sequence--
		return fmt.Errorf("hash log entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("flush log entry: %w", err)
	}
	l.prevHash = entryHash
	l.entries++
	return nil
}

func (l *Logger) fillHashes(entry *trace.LogEntry, args []any, kwargs map[string]any, result any, failed bool) error {
	if l.lightMode {
		entry.ArgsHash = trace.HashSkippedLight
		entry.KwargsHash = trace.HashSkippedLight
		entry.ResultHash = trace.HashSkippedLight
		return nil
	}
	var err error
	if entry.ArgsHash, err = l.hashValue(args); err != nil {
		return err
	}
	if entry.KwargsHash, err = l.hashValue(kwargs); err != nil {
		return err
	}
	if failed {
		entry.ResultHash = trace.HashError
		return nil
	}
	if entry.ResultHash, err = l.hashValue(result); err != nil {
		return err
	}
	return nil
}

func (l *Logger) hashValue(value any) (string, error) {
	if l.strict {
		digest, err := l.hasher.HashObjectStrict(value)
		if err != nil {
			return "", fmt.Errorf("hash call payload: %w", err)
		}
		return digest, nil
	}
	return l.hasher.HashObject(value), nil
}

func (l *Logger) repr(value any) string {
	var text string
	switch v := value.(type) {
	case nil:
		text = "<nil>"
	case string:
		text = v
	default:
		text = fmt.Sprintf("%v", value)
	}
	if l.sanitizer != nil {
		text = l.sanitizer.SanitizeString(text)
	}
	if len(text) > maxReprLength {
		return text[:maxReprLength] + "..."
	}
	return text
}

// EntryCount reports how many entries have been appended.
func (l *Logger) EntryCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries
}

// LastHash returns the chain hash of the most recent entry.
func (l *Logger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prevHash
}

// Close syncs and closes the stream. Further appends fail.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("sync audit log: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	return nil
}
