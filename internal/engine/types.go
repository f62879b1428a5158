package engine

import (
	"fmt"
	"strings"
	"time"
)

// Operation is a fleet-wide action executed against each targeted host.
type Operation int

const (
	// OpCheck counts pending package updates without touching the host.
	OpCheck Operation = iota
	// OpSimulate performs a package-manager dry run of a full upgrade.
	OpSimulate
	// OpUpgrade applies all pending package updates.
	OpUpgrade
	// OpClean removes packages that are no longer required (autoremove).
	OpClean
	// OpReboot triggers a reboot of the host (fire-and-forget).
	OpReboot
)

var operationNames = map[Operation]string{
	OpCheck:    "check",
	OpSimulate: "simulate",
	OpUpgrade:  "upgrade",
	OpClean:    "clean",
	OpReboot:   "reboot",
}

func (o Operation) String() string {
	if s, ok := operationNames[o]; ok {
		return s
	}
	return fmt.Sprintf("operation(%d)", int(o))
}

// ParseOperation maps a name like "check" to its Operation.
func ParseOperation(s string) (Operation, error) {
	for op, name := range operationNames {
		if name == strings.ToLower(strings.TrimSpace(s)) {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// Mutating reports whether the operation changes remote state.
// Check and Simulate are pure queries.
func (o Operation) Mutating() bool {
	return o == OpUpgrade || o == OpClean || o == OpReboot
}

// OSFamily groups distributions by their package manager.
type OSFamily string

const (
	FamilyDebian  OSFamily = "debian"
	FamilyRHEL    OSFamily = "rhel"
	FamilyArch    OSFamily = "arch"
	FamilyAuto    OSFamily = "auto" // detected from the probe at run time
	FamilyUnknown OSFamily = "unknown"
)

// AuthMethod selects how a host authenticates. Exactly one method is
// attempted per task; there is no fallback across methods.
type AuthMethod string

const (
	AuthKey      AuthMethod = "key"
	AuthPassword AuthMethod = "password"
)

// Host is an immutable-per-run host record. The orchestrator never
// mutates it; a fresh snapshot is passed on every run.
type Host struct {
	ID            string
	Name          string
	Address       string
	Port          int
	User          string
	AuthMethod    AuthMethod
	CredentialRef string // password: reference resolved by the CredentialSource
	KeyPath       string // key: path to the private key file
	OSFamily      OSFamily
	Tags          []string
}

// HasTag reports whether the host carries the given tag.
func (h Host) HasTag(tag string) bool {
	for _, t := range h.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Status is the terminal classification of one host task.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusOffline   Status = "offline"
	StatusAuthFail  Status = "auth_failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Online reports whether the host was reached (the task got past the
// connection probe), regardless of the command outcome.
func (s Status) Online() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// PackageDelta holds the structured package counts parsed from a
// package-manager invocation.
type PackageDelta struct {
	ToUpgrade int
	Upgraded  int
	Removed   int
	Held      int
	Packages  []string // changed/affected package names, as far as parseable
}

// Empty reports whether the delta carries no changes at all.
func (d PackageDelta) Empty() bool {
	return d.ToUpgrade == 0 && d.Upgraded == 0 && d.Removed == 0 && d.Held == 0
}

// HostResult is the immutable outcome of one operation against one host.
// A re-run produces a new HostResult, never an update to an old one.
type HostResult struct {
	HostID         string
	HostName       string
	Operation      Operation
	Status         Status
	Delta          PackageDelta
	RebootRequired bool
	OSFamily       OSFamily // family the task actually ran against
	Err            string   // explanation for non-succeeded statuses
	LogExcerpt     string   // bounded tail of raw remote output
	Duration       time.Duration
	FinishedAt     time.Time
}

// RunOptions bounds one fleet run. Zero values fall back to defaults.
type RunOptions struct {
	MaxConcurrency int
	ConnectTimeout time.Duration
	ExecTimeout    time.Duration // overrides the profile timeout when set
}

const (
	DefaultConcurrency    = 4
	DefaultConnectTimeout = 8 * time.Second
)

func (o RunOptions) withDefaults() RunOptions {
	if o.MaxConcurrency == 0 {
		o.MaxConcurrency = DefaultConcurrency
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	return o
}
