// Package inventory persists the managed fleet: host records, their
// encrypted credentials and the log of past runs.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"sshupdater/internal/engine"
)

// ErrHostNotFound is returned when a lookup misses.
var ErrHostNotFound = errors.New("inventory: host not found")

// HostRecord is a stored host. PasswordEnc holds the vault token for
// password-authenticated hosts and is never exposed in plaintext here.
type HostRecord struct {
	ID             int64
	ExternalUID    string // optional stable identifier from an external source
	Name           string
	Address        string
	Port           int
	User           string
	AuthMethod     engine.AuthMethod
	KeyPath        string
	PasswordEnc    []byte
	OSFamily       engine.OSFamily
	Tags           []string
	LastCheck      time.Time
	PendingUpdates int
}

// EngineHost converts the record into the immutable per-run snapshot the
// orchestrator consumes. CredentialRef carries the record ID so the
// credential source can find the stored token.
func (r HostRecord) EngineHost() engine.Host {
	return engine.Host{
		ID:            strconv.FormatInt(r.ID, 10),
		Name:          r.Name,
		Address:       r.Address,
		Port:          r.Port,
		User:          r.User,
		AuthMethod:    r.AuthMethod,
		CredentialRef: strconv.FormatInt(r.ID, 10),
		KeyPath:       r.KeyPath,
		OSFamily:      r.OSFamily,
		Tags:          append([]string(nil), r.Tags...),
	}
}

// RunLog is one recorded host task outcome.
type RunLog struct {
	ID        int64
	RunID     string
	HostID    int64
	Timestamp time.Time
	Operation string
	Status    string
	Summary   string
	Excerpt   string
}

// Store is the fleet persistence boundary.
type Store interface {
	// SaveHost inserts or updates a host. Matching is by ExternalUID when
	// set, otherwise by Name. A nil PasswordEnc leaves any stored token
	// untouched on update. Returns the record ID.
	SaveHost(ctx context.Context, rec HostRecord) (int64, error)
	GetHost(ctx context.Context, id int64) (HostRecord, error)
	GetHostByName(ctx context.Context, name string) (HostRecord, error)
	ListHosts(ctx context.Context) ([]HostRecord, error)
	DeleteHost(ctx context.Context, id int64) error

	// SetHostPassword replaces the stored vault token.
	SetHostPassword(ctx context.Context, id int64, token []byte) error
	// HostPassword returns the stored vault token, nil when none is set.
	HostPassword(ctx context.Context, id int64) ([]byte, error)

	// RecordCheck updates the host's last check time and pending update count.
	RecordCheck(ctx context.Context, id int64, at time.Time, pending int) error

	AppendLog(ctx context.Context, entry RunLog) error
	ListLogs(ctx context.Context, hostID int64, limit int) ([]RunLog, error)

	Close() error
}

var (
	sshUserRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9._-]*$`)
	fqdnRe    = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]{0,251}[a-zA-Z0-9])?$`)
	tagRe     = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
)

// ValidateHostTarget validates that target is an IP address or hostname.
func ValidateHostTarget(target string) error {
	if target == "" {
		return fmt.Errorf("host address is empty")
	}
	if net.ParseIP(target) != nil {
		return nil
	}
	if isValidFQDN(target) {
		return nil
	}
	return fmt.Errorf("invalid host address (not a valid IP or hostname): %q", target)
}

func isValidFQDN(s string) bool {
	if len(s) > 253 {
		return false
	}
	if !fqdnRe.MatchString(s) {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
	}
	return true
}

// ValidateSSHUser validates that an SSH username contains only safe characters.
func ValidateSSHUser(user string) error {
	if user == "" {
		return fmt.Errorf("SSH user is empty")
	}
	if len(user) > 64 {
		return fmt.Errorf("SSH user too long: %d chars", len(user))
	}
	if !sshUserRe.MatchString(user) {
		return fmt.Errorf("invalid SSH user: %q", user)
	}
	return nil
}

// ValidateTag validates a single host tag.
func ValidateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("tag is empty")
	}
	if len(tag) > 64 {
		return fmt.Errorf("tag too long: %d chars", len(tag))
	}
	if !tagRe.MatchString(tag) {
		return fmt.Errorf("invalid tag: %q", tag)
	}
	return nil
}

// Validate checks a record before it is saved.
func (r HostRecord) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("host name is empty")
	}
	if err := ValidateHostTarget(r.Address); err != nil {
		return err
	}
	if err := ValidateSSHUser(r.User); err != nil {
		return err
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("invalid port: %d", r.Port)
	}
	switch r.AuthMethod {
	case engine.AuthKey:
		if r.KeyPath == "" {
			return fmt.Errorf("auth method %q requires a key path", r.AuthMethod)
		}
	case engine.AuthPassword:
	default:
		return fmt.Errorf("invalid auth method: %q", r.AuthMethod)
	}
	for _, tag := range r.Tags {
		if err := ValidateTag(tag); err != nil {
			return err
		}
	}
	return nil
}
