package trace

// ProducerVersion is stamped into environment.lock so a verifier can warn
// about version skew between recorder and verifier.
const ProducerVersion = "0.1.0"

// Package file names inside a .vch archive.
const (
	FileAuditLog        = "audit_log.json"
	FileEnvironment     = "environment.lock"
	FileSignature       = "signature.sig"
	FilePublicKey       = "public_key.pem"
	FileArtifacts       = "artifacts.json"
	FileArtifactsSig    = "artifacts.json.sig"
	FileTimestampToken  = "audit_log.tsr"
	FileGitMetadata     = "git_metadata.json"
	DataDir             = "data"
	PackageExtension    = ".vch"
	GenesisHash         = "0000000000000000000000000000000000000000000000000000000000000000"
	HashSkippedLight    = "SKIPPED_LIGHT"
	HashError           = "ERROR"
	ActionCall          = "call"
	TargetInitialize    = "session.initialize"
	TargetSeedEnforced  = "TraceSession.seed_enforcement"
	TargetTrackFile     = "track_file"
	TargetAnnotate      = "annotate"
	ExtraSessionID      = "session_id"
	ExtraTimestamp      = "timestamp"
	ExtraTrackedHash    = "tracked_file_hash"
	ExtraTrackedPath    = "tracked_path"
)

// LogEntry is one observed event in the hash-chained audit log.
type LogEntry struct {
	SequenceNumber    int64             `json:"sequence_number"`
	PreviousEntryHash string            `json:"previous_entry_hash"`
	Timestamp         string            `json:"timestamp"`
	Action            string            `json:"action"`
	Target            string            `json:"target"`
	ArgsRepr          []string          `json:"args_repr"`
	KwargsRepr        map[string]string `json:"kwargs_repr"`
	ResultRepr        string            `json:"result_repr"`
	ArgsHash          string            `json:"args_hash"`
	KwargsHash        string            `json:"kwargs_hash"`
	ResultHash        string            `json:"result_hash"`
	ExtraHashes       map[string]string `json:"extra_hashes,omitempty"`
	Error             string            `json:"error,omitempty"`
	ErrorType         string            `json:"error_type,omitempty"`
}

// Environment is the interpreter/platform/dependency snapshot written to
// environment.lock at session close.
type Environment struct {
	ProducerVersion string            `json:"vouch_version"`
	GoVersion       string            `json:"go_version"`
	Platform        string            `json:"platform"`
	CPUInfo         CPUInfo           `json:"cpu_info"`
	Dependencies    map[string]string `json:"dependencies"`
	MainModule      string            `json:"main_module,omitempty"`
}

// CPUInfo describes the recording host.
type CPUInfo struct {
	Machine    string `json:"machine"`
	System     string `json:"system"`
	NumCPU     int    `json:"num_cpu"`
	GOMAXPROCS int    `json:"gomaxprocs"`
}

// GitMetadata is the optional source-control snapshot bundled as
// git_metadata.json.
type GitMetadata struct {
	CommitSHA string `json:"commit_sha"`
	Branch    string `json:"branch"`
	IsDirty   bool   `json:"is_dirty"`
	Diff      string `json:"diff,omitempty"`
}

// ArtifactManifest maps arcname to sha256 hex.
type ArtifactManifest map[string]string
