package plugin

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"plugin-warden/internal/policy"
)

// Sentinel errors for typed error checking.
var (
	ErrInvalidMetadata = errors.New("invalid plugin metadata")
	ErrUnknownKind     = errors.New("unknown plugin kind")
)

// Kind is the artifact format of a plugin.
type Kind string

const (
	KindPython Kind = "python"
	KindWASM   Kind = "wasm"
	KindBinary Kind = "binary"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case KindPython:
		return KindPython, nil
	case KindWASM:
		return KindWASM, nil
	case KindBinary:
		return KindBinary, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func (k Kind) Valid() bool {
	switch k {
	case KindPython, KindWASM, KindBinary:
		return true
	}
	return false
}

// Extension returns the canonical artifact file extension.
func (k Kind) Extension() string {
	switch k {
	case KindPython:
		return ".py"
	case KindWASM:
		return ".wasm"
	default:
		return ""
	}
}

// Status is a plugin's position in the approval lifecycle.
type Status string

const (
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusSuspended   Status = "suspended"
	StatusBlacklisted Status = "blacklisted"
)

// transitions is the complete lifecycle graph. Absent entries are
// terminal states; nothing outside this table is reachable.
var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusRejected},
	StatusApproved:  {StatusSuspended, StatusBlacklisted},
	StatusSuspended: {StatusApproved, StatusBlacklisted},
}

// CanTransitionTo reports whether the lifecycle graph permits moving
// from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves this status.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusSuspended, StatusBlacklisted:
		return true
	}
	return false
}

// Metadata is what a plugin declares about itself plus what the
// registry computes at registration (Checksum, CreatedAt). Identity is
// (Name, Version), immutable once registered.
type Metadata struct {
	Name         string       `json:"name" yaml:"name"`
	Version      string       `json:"version" yaml:"version"`
	Kind         Kind         `json:"kind" yaml:"kind"`
	Author       string       `json:"author,omitempty" yaml:"author"`
	Description  string       `json:"description,omitempty" yaml:"description"`
	EntryPoint   string       `json:"entry_point,omitempty" yaml:"entry_point"`
	Dependencies []string     `json:"dependencies,omitempty" yaml:"dependencies"`
	Permissions  []string     `json:"permissions,omitempty" yaml:"permissions"`
	RiskLevel    policy.Level `json:"risk_level" yaml:"risk_level"`
	Checksum     string       `json:"checksum,omitempty" yaml:"-"`
	CreatedAt    time.Time    `json:"created_at,omitempty" yaml:"-"`
	Signature    string       `json:"signature,omitempty" yaml:"signature"`
}

// Ref is the human-readable identity, e.g. "csv-cruncher@1.2.0".
func (m Metadata) Ref() string {
	return m.Name + "@" + m.Version
}

const (
	maxNameLen    = 64
	maxVersionLen = 32
)

func (m Metadata) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidMetadata)
	}
	if len(m.Name) > maxNameLen {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidMetadata, maxNameLen)
	}
	for _, c := range m.Name {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_') {
			return fmt.Errorf("%w: name %q may only contain lowercase letters, digits, - and _", ErrInvalidMetadata, m.Name)
		}
	}
	if m.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidMetadata)
	}
	if len(m.Version) > maxVersionLen {
		return fmt.Errorf("%w: version exceeds %d characters", ErrInvalidMetadata, maxVersionLen)
	}
	for _, c := range m.Version {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+') {
			return fmt.Errorf("%w: version %q contains invalid characters", ErrInvalidMetadata, m.Version)
		}
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: kind %q", ErrUnknownKind, m.Kind)
	}
	if !m.RiskLevel.Valid() {
		return fmt.Errorf("%w: risk_level %q must be low, medium, high, or critical", ErrInvalidMetadata, m.RiskLevel)
	}
	return nil
}

// Record is the registry's full view of one plugin version. Audit
// timestamps are stamped by the registry on each transition.
type Record struct {
	Metadata Metadata `json:"metadata"`
	Path     string   `json:"path"` // registry-owned artifact copy
	Status   Status   `json:"status"`

	RiskScore int      `json:"risk_score"`
	Findings  []string `json:"findings,omitempty"` // messages from admission analysis

	RegisteredAt    time.Time  `json:"registered_at"`
	ApprovedBy      string     `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectedBy      string     `json:"rejected_by,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	SuspendedBy     string     `json:"suspended_by,omitempty"`
	SuspendedAt     *time.Time `json:"suspended_at,omitempty"`
	BlacklistedBy   string     `json:"blacklisted_by,omitempty"`
	BlacklistReason string     `json:"blacklist_reason,omitempty"`
	BlacklistedAt   *time.Time `json:"blacklisted_at,omitempty"`
}

// Executable reports whether the lifecycle permits running this
// plugin. Only approved plugins execute; everything else is refused
// before any environment is built.
func (r *Record) Executable() bool {
	return r.Status == StatusApproved
}
