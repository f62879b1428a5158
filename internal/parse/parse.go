// Package parse converts raw package-manager output into structured
// package deltas. Parsers are tolerant: unparseable lines are skipped,
// never fatal. The boolean return reports whether the output was
// recognized at all: an exit-0 result with unrecognized output must be
// surfaced as a failure by the caller, not as a clean zero-change run.
package parse

import (
	"regexp"
	"strconv"
	"strings"

	"sshupdater/internal/engine"
)

var (
	// "5 upgraded, 0 newly installed, 2 to remove and 1 not upgraded."
	aptSummaryRe = regexp.MustCompile(`(\d+)\s+upgraded,\s+(\d+)\s+newly installed,\s+(\d+)\s+to remove and\s+(\d+)\s+not upgraded`)
	aptRemoveRe  = regexp.MustCompile(`(\d+)\s+to remove`)

	dnfUpgradeCountRe = regexp.MustCompile(`(?m)^\s*Upgrade\s+(\d+)\s+Packages?`)
	dnfInstallCountRe = regexp.MustCompile(`(?m)^\s*Install\s+(\d+)\s+Packages?`)
	dnfRemoveCountRe  = regexp.MustCompile(`(?m)^\s*Remove\s+(\d+)\s+Packages?`)

	// "linux 6.6.1 -> 6.6.2" (checkupdates)
	checkupdatesRe = regexp.MustCompile(`^(\S+)\s+\S+\s+->\s+\S+$`)

	// "Packages (12) foo-1.2 bar-3.4 ..." (pacman transaction header)
	pacmanPackagesRe = regexp.MustCompile(`Packages \((\d+)\)`)
)

const maxPackageNames = 64

// AptSimulate parses `apt-get -s dist-upgrade` output (also used for
// Check, which runs the same dry run). Counts "Inst " lines, with the
// summary line as fallback, matching the original implementation.
func AptSimulate(stdout, _ string, _ int) (engine.PackageDelta, bool) {
	var d engine.PackageDelta
	recognized := false

	for _, line := range strings.Split(stdout, "\n") {
		switch {
		case strings.HasPrefix(line, "Inst "):
			d.ToUpgrade++
			d.Packages = appendName(d.Packages, fieldAfter(line, "Inst "))
			recognized = true
		case strings.HasPrefix(line, "Remv "):
			d.Removed++
			recognized = true
		case strings.HasPrefix(line, "Conf "):
			recognized = true
		}
	}

	if m := aptSummaryRe.FindStringSubmatch(stdout); m != nil {
		recognized = true
		if d.ToUpgrade == 0 {
			d.ToUpgrade = atoi(m[1])
		}
		d.Held = atoi(m[4])
	}

	if !recognized && strings.Contains(stdout, "Reading package lists") {
		recognized = true
	}
	return d, recognized
}

// AptUpgrade parses a real `apt-get -y dist-upgrade` run. The summary
// line is authoritative; per-package names come from "Unpacking" lines.
func AptUpgrade(stdout, _ string, _ int) (engine.PackageDelta, bool) {
	var d engine.PackageDelta

	m := aptSummaryRe.FindStringSubmatch(stdout)
	if m == nil {
		return d, false
	}
	d.Upgraded = atoi(m[1]) + atoi(m[2])
	d.Removed = atoi(m[3])
	d.Held = atoi(m[4])

	for _, line := range strings.Split(stdout, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "Unpacking "); ok {
			d.Packages = appendName(d.Packages, firstField(rest))
		}
	}
	return d, true
}

// AptAutoremove parses `apt-get -y autoremove --purge`. Counts come
// from the summary line with a "N to remove" fallback; names from
// "Removing" lines.
func AptAutoremove(stdout, _ string, _ int) (engine.PackageDelta, bool) {
	var d engine.PackageDelta
	recognized := false

	if m := aptSummaryRe.FindStringSubmatch(stdout); m != nil {
		d.Removed = atoi(m[3])
		recognized = true
	} else if m := aptRemoveRe.FindStringSubmatch(stdout); m != nil {
		d.Removed = atoi(m[1])
		recognized = true
	}

	for _, line := range strings.Split(stdout, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, "Removing "); ok {
			d.Packages = appendName(d.Packages, firstField(rest))
			recognized = true
		} else if strings.HasPrefix(trimmed, "Remv ") {
			if d.Removed == 0 {
				// -s output: count Remv lines directly
				d.Packages = appendName(d.Packages, fieldAfter(trimmed, "Remv "))
			}
			recognized = true
		}
	}

	if !recognized && strings.Contains(stdout, "Reading package lists") {
		recognized = true
	}
	return d, recognized
}

// DnfCheckUpdate parses `dnf -q check-update`. Exit 0 means nothing
// pending; exit 100 means the listed packages have updates. Package
// lines are "name.arch  version  repo".
func DnfCheckUpdate(stdout, _ string, exitCode int) (engine.PackageDelta, bool) {
	var d engine.PackageDelta
	if exitCode == 0 {
		return d, true
	}

	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 3 || strings.HasPrefix(fields[0], "Obsoleting") {
			continue
		}
		// name.arch → name
		name := fields[0]
		if idx := strings.LastIndex(name, "."); idx > 0 {
			name = name[:idx]
		}
		d.ToUpgrade++
		d.Packages = appendName(d.Packages, name)
	}
	return d, d.ToUpgrade > 0
}

// DnfSimulate parses `dnf upgrade --assumeno` (transaction shown, then
// aborted). The Transaction Summary counts are authoritative.
func DnfSimulate(stdout, _ string, _ int) (engine.PackageDelta, bool) {
	var d engine.PackageDelta

	if strings.Contains(stdout, "Nothing to do") {
		return d, true
	}
	recognized := strings.Contains(stdout, "Transaction Summary") ||
		strings.Contains(stdout, "Dependencies resolved")

	if m := dnfUpgradeCountRe.FindStringSubmatch(stdout); m != nil {
		d.ToUpgrade += atoi(m[1])
	}
	if m := dnfInstallCountRe.FindStringSubmatch(stdout); m != nil {
		d.ToUpgrade += atoi(m[1])
	}
	if m := dnfRemoveCountRe.FindStringSubmatch(stdout); m != nil {
		d.Removed = atoi(m[1])
	}
	d.Packages = dnfSectionPackages(stdout)
	return d, recognized
}

// DnfUpgrade parses a real `dnf -y upgrade` run.
func DnfUpgrade(stdout, _ string, _ int) (engine.PackageDelta, bool) {
	var d engine.PackageDelta

	if strings.Contains(stdout, "Nothing to do") {
		return d, true
	}
	recognized := strings.Contains(stdout, "Complete!") ||
		strings.Contains(stdout, "Transaction Summary")

	if m := dnfUpgradeCountRe.FindStringSubmatch(stdout); m != nil {
		d.Upgraded += atoi(m[1])
	}
	if m := dnfInstallCountRe.FindStringSubmatch(stdout); m != nil {
		d.Upgraded += atoi(m[1])
	}
	if m := dnfRemoveCountRe.FindStringSubmatch(stdout); m != nil {
		d.Removed = atoi(m[1])
	}
	d.Packages = dnfSectionPackages(stdout)
	return d, recognized
}

// DnfAutoremove parses `dnf -y autoremove`.
func DnfAutoremove(stdout, _ string, _ int) (engine.PackageDelta, bool) {
	var d engine.PackageDelta

	if strings.Contains(stdout, "Nothing to do") {
		return d, true
	}
	recognized := strings.Contains(stdout, "Complete!") ||
		strings.Contains(stdout, "Transaction Summary")

	if m := dnfRemoveCountRe.FindStringSubmatch(stdout); m != nil {
		d.Removed = atoi(m[1])
	}
	d.Packages = dnfSectionPackages(stdout)
	return d, recognized
}

// dnfSectionPackages walks the transaction table and collects package
// names under the Upgrading/Installing/Removing section headers.
func dnfSectionPackages(stdout string) []string {
	var names []string
	inSection := false
	for _, line := range strings.Split(stdout, "\n") {
		trimmed := strings.TrimSpace(line)
		switch trimmed {
		case "Upgrading:", "Installing:", "Removing:", "Downgrading:":
			inSection = true
			continue
		case "Transaction Summary", "":
			inSection = false
			continue
		}
		if !inSection || !strings.HasPrefix(line, " ") {
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) >= 2 {
			names = appendName(names, fields[0])
		}
	}
	return names
}

// Checkupdates parses the output of Arch's checkupdates, one
// "name oldver -> newver" line per pending update. checkupdates exits 2
// when there is nothing to do.
func Checkupdates(stdout, _ string, exitCode int) (engine.PackageDelta, bool) {
	var d engine.PackageDelta
	for _, line := range strings.Split(stdout, "\n") {
		if m := checkupdatesRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			d.ToUpgrade++
			d.Packages = appendName(d.Packages, m[1])
		}
	}
	if d.ToUpgrade > 0 {
		return d, true
	}
	return d, exitCode == 2 && strings.TrimSpace(stdout) == ""
}

// PacmanUpgrade parses `pacman -Syu --noconfirm`.
func PacmanUpgrade(stdout, _ string, _ int) (engine.PackageDelta, bool) {
	var d engine.PackageDelta

	if strings.Contains(stdout, "there is nothing to do") {
		return d, true
	}
	recognized := strings.Contains(stdout, "Starting full system upgrade")

	if m := pacmanPackagesRe.FindStringSubmatch(stdout); m != nil {
		d.Upgraded = atoi(m[1])
		recognized = true
	}
	for _, line := range strings.Split(stdout, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "upgrading "); ok {
			d.Packages = appendName(d.Packages, strings.TrimSuffix(firstField(rest), "..."))
		}
	}
	return d, recognized
}

// PacmanAutoremove parses the orphan-removal command. The profile emits
// a NO_ORPHANS marker when pacman -Qdtq lists nothing.
func PacmanAutoremove(stdout, _ string, _ int) (engine.PackageDelta, bool) {
	var d engine.PackageDelta

	if strings.Contains(stdout, "NO_ORPHANS") {
		return d, true
	}
	recognized := false
	if m := pacmanPackagesRe.FindStringSubmatch(stdout); m != nil {
		d.Removed = atoi(m[1])
		recognized = true
	}
	for _, line := range strings.Split(stdout, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "removing "); ok {
			d.Packages = appendName(d.Packages, strings.TrimSuffix(firstField(rest), "..."))
			recognized = true
		}
	}
	return d, recognized
}

// --- helpers ---

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func fieldAfter(line, prefix string) string {
	return firstField(strings.TrimPrefix(line, prefix))
}

func appendName(names []string, name string) []string {
	if name == "" || len(names) >= maxPackageNames {
		return names
	}
	return append(names, name)
}
