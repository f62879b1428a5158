// Package profile holds the per-distribution command templates and
// their parser bindings. Profiles are data: supporting a new
// distribution means adding table entries here, nothing in the
// orchestrator changes.
package profile

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"sshupdater/internal/engine"
	"sshupdater/internal/parse"
)

// RebootMarker is emitted by profiles whose payload checks the
// distribution's reboot-required indicator.
const RebootMarker = "__REBOOT_REQUIRED__"

// probeCommand is the lightweight reachability probe sent before every
// payload. Its output doubles as the distro-detection source.
const probeCommand = "cat /etc/os-release"

const (
	queryTimeout   = 90 * time.Second
	upgradeTimeout = 30 * time.Minute
	rebootTimeout  = 10 * time.Second
)

type key struct {
	fam engine.OSFamily
	op  engine.Operation
}

// Table is the closed set of command profiles, keyed by
// (OS family, operation). It implements engine.ProfileSource.
type Table struct {
	profiles map[key]engine.Profile
}

// Default returns the built-in profile table covering the Debian, RHEL
// and Arch families.
func Default() *Table {
	t := &Table{profiles: make(map[key]engine.Profile)}

	// Commands force LC_ALL=C so parsers never see localized banners,
	// and preserve the payload's exit code past the reboot-marker check.
	t.set(engine.FamilyDebian, engine.OpCheck, engine.Profile{
		Command:      debianSimulateCmd,
		RebootMarker: RebootMarker,
		Timeout:      queryTimeout,
		Parse:        parse.AptSimulate,
	})
	t.set(engine.FamilyDebian, engine.OpSimulate, engine.Profile{
		Command:      debianSimulateCmd,
		RebootMarker: RebootMarker,
		Timeout:      queryTimeout,
		Parse:        parse.AptSimulate,
	})
	t.set(engine.FamilyDebian, engine.OpUpgrade, engine.Profile{
		Command:      debianUpgradeCmd,
		RebootMarker: RebootMarker,
		Timeout:      upgradeTimeout,
		Parse:        parse.AptUpgrade,
	})
	t.set(engine.FamilyDebian, engine.OpClean, engine.Profile{
		Command: debianCleanCmd,
		Timeout: upgradeTimeout,
		Parse:   parse.AptAutoremove,
	})

	t.set(engine.FamilyRHEL, engine.OpCheck, engine.Profile{
		Command:     rhelCheckCmd,
		OKExitCodes: []int{100}, // dnf check-update: 100 = updates pending
		Timeout:     queryTimeout,
		Parse:       parse.DnfCheckUpdate,
	})
	t.set(engine.FamilyRHEL, engine.OpSimulate, engine.Profile{
		Command:     rhelSimulateCmd,
		OKExitCodes: []int{1}, // --assumeno aborts the transaction with 1
		Timeout:     queryTimeout,
		Parse:       parse.DnfSimulate,
	})
	t.set(engine.FamilyRHEL, engine.OpUpgrade, engine.Profile{
		Command:      rhelUpgradeCmd,
		RebootMarker: RebootMarker,
		Timeout:      upgradeTimeout,
		Parse:        parse.DnfUpgrade,
	})
	t.set(engine.FamilyRHEL, engine.OpClean, engine.Profile{
		Command: rhelCleanCmd,
		Timeout: upgradeTimeout,
		Parse:   parse.DnfAutoremove,
	})

	t.set(engine.FamilyArch, engine.OpCheck, engine.Profile{
		Command:     archCheckCmd,
		OKExitCodes: []int{2}, // checkupdates: 2 = no pending updates
		Timeout:     queryTimeout,
		Parse:       parse.Checkupdates,
	})
	t.set(engine.FamilyArch, engine.OpSimulate, engine.Profile{
		Command:     archCheckCmd,
		OKExitCodes: []int{2},
		Timeout:     queryTimeout,
		Parse:       parse.Checkupdates,
	})
	t.set(engine.FamilyArch, engine.OpUpgrade, engine.Profile{
		Command: archUpgradeCmd,
		Timeout: upgradeTimeout,
		Parse:   parse.PacmanUpgrade,
	})
	t.set(engine.FamilyArch, engine.OpClean, engine.Profile{
		Command: archCleanCmd,
		Timeout: upgradeTimeout,
		Parse:   parse.PacmanAutoremove,
	})

	// The reboot trigger is distribution-independent: fire-and-forget
	// so the session can return before sshd goes away.
	reboot := engine.Profile{
		Command:       rebootCmd,
		Fallback:      rebootFallbackCmd,
		SuccessMarker: "TRIGGERED",
		Timeout:       rebootTimeout,
	}
	for _, fam := range []engine.OSFamily{engine.FamilyDebian, engine.FamilyRHEL, engine.FamilyArch} {
		t.set(fam, engine.OpReboot, reboot)
	}

	return t
}

func (t *Table) set(fam engine.OSFamily, op engine.Operation, p engine.Profile) {
	t.profiles[key{fam, op}] = p
}

// Probe implements engine.ProfileSource.
func (t *Table) Probe() string { return probeCommand }

// Lookup implements engine.ProfileSource.
func (t *Table) Lookup(fam engine.OSFamily, op engine.Operation) (engine.Profile, error) {
	p, ok := t.profiles[key{fam, op}]
	if !ok {
		return engine.Profile{}, fmt.Errorf("no command profile for %s/%s", fam, op)
	}
	return p, nil
}

const (
	debianSimulateCmd = `bash -lc 'export LC_ALL=C LANG=C; sudo -n apt-get -qq update >/dev/null 2>&1 || true; apt-get -s dist-upgrade; rc=$?; test -f /run/reboot-required && echo __REBOOT_REQUIRED__; exit $rc'`
	debianUpgradeCmd  = `bash -lc 'export LC_ALL=C LANG=C DEBIAN_FRONTEND=noninteractive; sudo -n apt-get -qq update >/dev/null 2>&1 || true; sudo -nE apt-get -y dist-upgrade -o Dpkg::Use-Pty=0; rc=$?; test -f /run/reboot-required && echo __REBOOT_REQUIRED__; exit $rc'`
	debianCleanCmd    = `bash -lc 'export LC_ALL=C LANG=C DEBIAN_FRONTEND=noninteractive; sudo -nE apt-get -y autoremove --purge -o Dpkg::Use-Pty=0'`

	rhelCheckCmd    = `bash -lc 'export LC_ALL=C LANG=C; sudo -n dnf -q check-update'`
	rhelSimulateCmd = `bash -lc 'export LC_ALL=C LANG=C; sudo -n dnf upgrade --refresh --assumeno'`
	rhelUpgradeCmd  = `bash -lc 'export LC_ALL=C LANG=C; sudo -n dnf -y upgrade --refresh; rc=$?; sudo -n needs-restarting -r >/dev/null 2>&1 || echo __REBOOT_REQUIRED__; exit $rc'`
	rhelCleanCmd    = `bash -lc 'export LC_ALL=C LANG=C; sudo -n dnf -y autoremove'`

	archCheckCmd   = `bash -lc 'export LC_ALL=C LANG=C; command -v checkupdates >/dev/null 2>&1 || exit 127; checkupdates'`
	archUpgradeCmd = `bash -lc 'export LC_ALL=C LANG=C; sudo -n pacman -Syu --noconfirm'`
	archCleanCmd   = `bash -lc 'export LC_ALL=C LANG=C; orphans=$(pacman -Qdtq); if [ -z "$orphans" ]; then echo NO_ORPHANS; exit 0; fi; sudo -n pacman -Rns --noconfirm $orphans'`

	rebootCmd         = `bash -lc 'nohup sudo -n systemctl reboot >/dev/null 2>&1 & disown; echo TRIGGERED'`
	rebootFallbackCmd = `bash -lc 'nohup sudo -n reboot >/dev/null 2>&1 & disown; echo TRIGGERED'`
)

var osReleaseIDRe = regexp.MustCompile(`(?m)^ID=(.+)$`)
var osReleaseIDLikeRe = regexp.MustCompile(`(?m)^ID_LIKE=(.+)$`)

// DetectFamily maps /etc/os-release output to an OS family, following
// the original tool's ID grouping with an ID_LIKE fallback.
func (t *Table) DetectFamily(probeOutput string) engine.OSFamily {
	if m := osReleaseIDRe.FindStringSubmatch(probeOutput); m != nil {
		if fam := familyForID(cleanOSValue(m[1])); fam != engine.FamilyUnknown {
			return fam
		}
	}
	if m := osReleaseIDLikeRe.FindStringSubmatch(probeOutput); m != nil {
		for _, id := range strings.Fields(cleanOSValue(m[1])) {
			if fam := familyForID(id); fam != engine.FamilyUnknown {
				return fam
			}
		}
	}
	return engine.FamilyUnknown
}

func cleanOSValue(v string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(v), `"`))
}

func familyForID(id string) engine.OSFamily {
	switch id {
	case "debian", "ubuntu", "linuxmint", "pop", "raspbian":
		return engine.FamilyDebian
	case "fedora", "rhel", "centos", "rocky", "almalinux", "ol", "amzn":
		return engine.FamilyRHEL
	case "arch", "manjaro", "endeavouros", "arco":
		return engine.FamilyArch
	default:
		return engine.FamilyUnknown
	}
}
