package engine

import "time"

// ParseFunc converts raw remote output into a package delta. The second
// return value reports whether the output was recognized at all; exit
// code 0 with unrecognized output is surfaced as a parse failure, never
// as a clean zero-change success.
type ParseFunc func(stdout, stderr string, exitCode int) (PackageDelta, bool)

// Profile is the per-(OS family, operation) command template. Profiles
// are data: adding a distribution means adding table entries, not code
// paths in the orchestrator.
type Profile struct {
	// Command is the payload sent over the session.
	Command string
	// Fallback, when non-empty, is tried once if Command exits nonzero
	// or does not produce SuccessMarker (used by the reboot trigger).
	Fallback string
	// OKExitCodes lists exit codes treated as command success in
	// addition to zero (dnf check-update exits 100 when updates exist).
	OKExitCodes []int
	// SuccessMarker, when non-empty, must appear on stdout for the
	// command to count as succeeded even with exit code 0.
	SuccessMarker string
	// RebootMarker, when non-empty, flags RebootRequired when found in
	// the output.
	RebootMarker string
	// Timeout is the default execute timeout for this profile.
	Timeout time.Duration
	// Parse structures the output. Nil means no package accounting
	// (reboot trigger).
	Parse ParseFunc
}

// ExitOK reports whether code counts as success for this profile.
func (p Profile) ExitOK(code int) bool {
	if code == 0 {
		return true
	}
	for _, ok := range p.OKExitCodes {
		if code == ok {
			return true
		}
	}
	return false
}

// ProfileSource resolves command profiles and OS families. Implemented
// by the profile package; faked in tests.
type ProfileSource interface {
	// Probe returns the lightweight reachability command run before the
	// payload. Its output feeds DetectFamily.
	Probe() string
	// DetectFamily maps probe output (an os-release dump) to a family.
	DetectFamily(probeOutput string) OSFamily
	// Lookup returns the profile for a family and operation.
	Lookup(fam OSFamily, op Operation) (Profile, error)
}
