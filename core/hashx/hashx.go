package hashx

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/davidahmann/vouch/core/jcs"
)

// Placeholder tokens substituted when a value cannot be hashed stably.
// They are stable strings, so the hash stays deterministic across runs.
const (
	HashFailed     = "HASH_FAILED"
	HashFailedDict = "HASH_FAILED_DICT"
)

// ContentHashable lets a value provide its own hashing material. A string
// result is used as the hash directly; anything else is hashed recursively.
type ContentHashable interface {
	VouchHash() any
}

// Tabular is the canonical-text protocol for table-shaped values: the
// serialized form uses comma-delimited cells, %.17g float formatting, and
// "\n" line endings so the digest is identical across platforms.
type Tabular interface {
	Columns() []string
	Rows() [][]any
}

// HashFunc is a caller-registered hash for one concrete type.
type HashFunc func(value any) (string, error)

// Hasher computes deterministic content hashes for arbitrary values.
type Hasher struct {
	mu       sync.RWMutex
	registry map[reflect.Type]HashFunc
}

func New() *Hasher {
	return &Hasher{registry: make(map[reflect.Type]HashFunc)}
}

// Default is the process-wide hasher used by the package-level helpers.
var Default = New()

// Register installs a custom hash function for sample's concrete type.
func (h *Hasher) Register(sample any, fn HashFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registry[reflect.TypeOf(sample)] = fn
}

// HashObject returns a deterministic 64-char hex hash. Unstable values are
// replaced by labeled placeholders rather than failing.
func (h *Hasher) HashObject(value any) string {
	digest, _ := h.hash(value, false)
	return digest
}

// HashObjectStrict is HashObject with instability promoted to an error.
func (h *Hasher) HashObjectStrict(value any) (string, error) {
	return h.hash(value, true)
}

func HashObject(value any) string {
	return Default.HashObject(value)
}

func HashObjectStrict(value any) (string, error) {
	return Default.HashObjectStrict(value)
}

func Register(sample any, fn HashFunc) {
	Default.Register(sample, fn)
}

// HashFile streams a file through SHA-256. A zero-byte file hashes to the
// fixed empty-input digest.
func HashFile(path string) (string, error) {
	// #nosec G304 -- callers hash operator-supplied artifact paths by design.
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for hashing: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	digest := sha256.New()
	if _, err := io.Copy(digest, file); err != nil {
		return "", fmt.Errorf("hash file content: %w", err)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

func (h *Hasher) hash(value any, strict bool) (string, error) {
	digest, err := h.hashWithVisited(value, strict, make(map[uintptr]bool))
	if err != nil {
		if strict {
			return "", err
		}
		return HashFailed, nil
	}
	return digest, nil
}

// unstableRepr matches the raw-pointer form that leaks object identity into
// default formatting (e.g. "0xc000012345").
var unstableRepr = regexp.MustCompile(`0x[0-9a-f]{6,}`)

func (h *Hasher) hashWithVisited(value any, strict bool, visited map[uintptr]bool) (string, error) {
	if value == nil {
		return sumString("<nil>"), nil
	}

	// 1. Custom registry wins over everything.
	if fn := h.lookup(reflect.TypeOf(value)); fn != nil {
		return fn(value)
	}

	// 2. Value-provided hashing protocol.
	if hashable, ok := value.(ContentHashable); ok {
		material := hashable.VouchHash()
		if s, ok := material.(string); ok {
			return s, nil
		}
		return h.hashWithVisited(material, strict, visited)
	}

	// 3. Tabular values hash their canonical delimited text.
	if table, ok := value.(Tabular); ok {
		return hashTabular(table), nil
	}

	// 4. Flat numeric arrays hash raw contiguous bytes.
	if digest, ok := hashNumericSlice(value); ok {
		return digest, nil
	}

	rv := reflect.ValueOf(value)

	// 5. Mappings canonicalize via JCS, falling back to sorted reprs.
	if rv.Kind() == reflect.Map {
		return h.hashMap(rv, strict, visited)
	}

	// 6. Default: string representation, with an instability safety net.
	repr := fmt.Sprintf("%v", value)
	if unstableRepr.MatchString(repr) {
		return h.hashUnstable(value, rv, strict, visited)
	}
	return sumString(repr), nil
}

func (h *Hasher) lookup(t reflect.Type) HashFunc {
	if t == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.registry[t]
}

func (h *Hasher) hashMap(rv reflect.Value, strict bool, visited map[uintptr]bool) (string, error) {
	pointer := rv.Pointer()
	if visited[pointer] {
		return sumString(cycleMarker(rv.Type())), nil
	}
	visited[pointer] = true
	defer delete(visited, pointer)

	raw, err := json.Marshal(rv.Interface())
	if err == nil {
		digest, jcsErr := jcs.DigestJCS(raw)
		if jcsErr == nil {
			return digest, nil
		}
		err = jcsErr
	}

	// Fallback for non-string keys or unencodable values: a manually
	// sorted repr concatenation.
	digest, fallbackErr := sortedReprDigest(rv)
	if fallbackErr != nil {
		if strict {
			return "", fmt.Errorf("hash map: %w", err)
		}
		return HashFailedDict, nil
	}
	return digest, nil
}

func sortedReprDigest(rv reflect.Value) (digest string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("sorted repr fallback panicked: %v", recovered)
		}
	}()
	keys := rv.MapKeys()
	items := make([]string, 0, len(keys))
	for _, key := range keys {
		items = append(items, fmt.Sprintf("%#v: %#v", key.Interface(), rv.MapIndex(key).Interface()))
	}
	sort.Strings(items)
	return sumString("{" + strings.Join(items, ", ") + "}"), nil
}

func (h *Hasher) hashUnstable(value any, rv reflect.Value, strict bool, visited map[uintptr]bool) (string, error) {
	// Try declared state instead of identity: exported struct fields.
	target := rv
	if target.Kind() == reflect.Pointer && !target.IsNil() {
		pointer := target.Pointer()
		if visited[pointer] {
			return sumString(cycleMarker(rv.Type())), nil
		}
		visited[pointer] = true
		defer delete(visited, pointer)
		target = target.Elem()
	}
	if target.Kind() == reflect.Struct {
		state := make(map[string]string)
		structType := target.Type()
		for i := 0; i < structType.NumField(); i++ {
			field := structType.Field(i)
			if !field.IsExported() {
				continue
			}
			fieldDigest, err := h.hashWithVisited(target.Field(i).Interface(), strict, visited)
			if err != nil {
				return "", err
			}
			state[field.Name] = fieldDigest
		}
		if len(state) > 0 {
			return h.hashWithVisited(state, strict, visited)
		}
	}

	typeName := typeNameOf(value)
	if strict {
		return "", fmt.Errorf("unstable hash for %s: default representation contains a memory address; register a custom hasher or use light mode", typeName)
	}
	return sumString("<Unstable: " + typeName + ">"), nil
}

// chunkWindow bounds peak memory when hashing very large numeric arrays.
const chunkWindow = 100 * 1024 * 1024

func hashNumericSlice(value any) (string, bool) {
	digest := sha256.New()
	switch v := value.(type) {
	case []byte:
		writeChunked(digest, v)
	case []float64:
		buf := make([]byte, 8)
		for _, f := range v {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
			digest.Write(buf)
		}
	case []float32:
		buf := make([]byte, 4)
		for _, f := range v {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
			digest.Write(buf)
		}
	case []int64:
		buf := make([]byte, 8)
		for _, n := range v {
			binary.LittleEndian.PutUint64(buf, uint64(n))
			digest.Write(buf)
		}
	case []uint64:
		buf := make([]byte, 8)
		for _, n := range v {
			binary.LittleEndian.PutUint64(buf, n)
			digest.Write(buf)
		}
	case []int32:
		buf := make([]byte, 4)
		for _, n := range v {
			binary.LittleEndian.PutUint32(buf, uint32(n))
			digest.Write(buf)
		}
	case []uint32:
		buf := make([]byte, 4)
		for _, n := range v {
			binary.LittleEndian.PutUint32(buf, n)
			digest.Write(buf)
		}
	case []int:
		buf := make([]byte, 8)
		for _, n := range v {
			binary.LittleEndian.PutUint64(buf, uint64(int64(n)))
			digest.Write(buf)
		}
	default:
		return "", false
	}
	return hex.EncodeToString(digest.Sum(nil)), true
}

func writeChunked(digest io.Writer, data []byte) {
	for len(data) > 0 {
		window := len(data)
		if window > chunkWindow {
			window = chunkWindow
		}
		_, _ = digest.Write(data[:window])
		data = data[window:]
	}
}

func hashTabular(table Tabular) string {
	digest := sha256.New()
	writeRow(digest, anySlice(table.Columns()))
	for _, row := range table.Rows() {
		writeRow(digest, row)
	}
	return hex.EncodeToString(digest.Sum(nil))
}

func anySlice(cells []string) []any {
	out := make([]any, len(cells))
	for i, cell := range cells {
		out[i] = cell
	}
	return out
}

func writeRow(w io.Writer, cells []any) {
	for i, cell := range cells {
		if i > 0 {
			_, _ = io.WriteString(w, ",")
		}
		_, _ = io.WriteString(w, formatCell(cell))
	}
	_, _ = io.WriteString(w, "\n")
}

// formatCell matches the fixed float formatting used for tabular hashing so
// digests are identical across platforms.
func formatCell(cell any) string {
	switch v := cell.(type) {
	case float64:
		return strconv.FormatFloat(v, 'g', 17, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', 17, 32)
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func cycleMarker(t reflect.Type) string {
	return "<Cycle: " + baseTypeName(t) + ">"
}

func typeNameOf(value any) string {
	return baseTypeName(reflect.TypeOf(value))
}

func baseTypeName(t reflect.Type) string {
	if t == nil {
		return "nil"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}

func sumString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
