package profile

import (
	"strings"
	"testing"

	"sshupdater/internal/engine"
)

func TestDefault_CoversAllFamiliesAndOperations(t *testing.T) {
	table := Default()

	families := []engine.OSFamily{engine.FamilyDebian, engine.FamilyRHEL, engine.FamilyArch}
	ops := []engine.Operation{engine.OpCheck, engine.OpSimulate, engine.OpUpgrade, engine.OpClean, engine.OpReboot}

	for _, fam := range families {
		for _, op := range ops {
			p, err := table.Lookup(fam, op)
			if err != nil {
				t.Errorf("Lookup(%s, %s): %v", fam, op, err)
				continue
			}
			if p.Command == "" {
				t.Errorf("Lookup(%s, %s): empty command", fam, op)
			}
			if p.Timeout <= 0 {
				t.Errorf("Lookup(%s, %s): no timeout", fam, op)
			}
			if op != engine.OpReboot && p.Parse == nil {
				t.Errorf("Lookup(%s, %s): no parser bound", fam, op)
			}
		}
	}
}

func TestLookup_UnknownFamily(t *testing.T) {
	if _, err := Default().Lookup(engine.FamilyUnknown, engine.OpCheck); err == nil {
		t.Error("Lookup for unknown family succeeded, want error")
	}
}

// Check and Simulate must never run a mutating package-manager command.
func TestQueryProfilesAreDryRun(t *testing.T) {
	table := Default()

	mutating := []string{"-y dist-upgrade", "-y upgrade", "-Syu", "-Rns", "autoremove", "systemctl reboot"}

	for _, fam := range []engine.OSFamily{engine.FamilyDebian, engine.FamilyRHEL, engine.FamilyArch} {
		for _, op := range []engine.Operation{engine.OpCheck, engine.OpSimulate} {
			p, err := table.Lookup(fam, op)
			if err != nil {
				t.Fatalf("Lookup(%s, %s): %v", fam, op, err)
			}
			for _, frag := range mutating {
				if strings.Contains(p.Command, frag) {
					t.Errorf("%s/%s command contains mutating fragment %q: %s", fam, op, frag, p.Command)
				}
			}
		}
	}
}

func TestNonZeroSuccessExitCodes(t *testing.T) {
	table := Default()

	tests := []struct {
		fam  engine.OSFamily
		op   engine.Operation
		code int
	}{
		{engine.FamilyRHEL, engine.OpCheck, 100},  // dnf check-update
		{engine.FamilyRHEL, engine.OpSimulate, 1}, // dnf --assumeno
		{engine.FamilyArch, engine.OpCheck, 2},    // checkupdates, nothing to do
	}
	for _, tt := range tests {
		p, err := table.Lookup(tt.fam, tt.op)
		if err != nil {
			t.Fatalf("Lookup(%s, %s): %v", tt.fam, tt.op, err)
		}
		if !p.ExitOK(tt.code) {
			t.Errorf("%s/%s: exit %d should be accepted", tt.fam, tt.op, tt.code)
		}
		if !p.ExitOK(0) {
			t.Errorf("%s/%s: exit 0 should always be accepted", tt.fam, tt.op)
		}
	}
}

func TestRebootProfile(t *testing.T) {
	p, err := Default().Lookup(engine.FamilyDebian, engine.OpReboot)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if p.SuccessMarker != "TRIGGERED" {
		t.Errorf("SuccessMarker = %q, want TRIGGERED", p.SuccessMarker)
	}
	if p.Fallback == "" {
		t.Error("reboot profile has no fallback command")
	}
	// The trigger must detach so the session can come back before sshd dies.
	if !strings.Contains(p.Command, "nohup") || !strings.Contains(p.Command, "disown") {
		t.Errorf("reboot command is not fire-and-forget: %s", p.Command)
	}
}

func TestLocaleIsPinned(t *testing.T) {
	table := Default()
	for _, fam := range []engine.OSFamily{engine.FamilyDebian, engine.FamilyRHEL, engine.FamilyArch} {
		for _, op := range []engine.Operation{engine.OpCheck, engine.OpSimulate, engine.OpUpgrade, engine.OpClean} {
			p, _ := table.Lookup(fam, op)
			if !strings.Contains(p.Command, "LC_ALL=C") {
				t.Errorf("%s/%s command does not pin LC_ALL=C", fam, op)
			}
		}
	}
}

func TestDetectFamily(t *testing.T) {
	table := Default()

	tests := []struct {
		name   string
		output string
		want   engine.OSFamily
	}{
		{"debian", "PRETTY_NAME=\"Debian GNU/Linux 12\"\nID=debian\n", engine.FamilyDebian},
		{"ubuntu quoted", "NAME=\"Ubuntu\"\nID=\"ubuntu\"\nID_LIKE=debian\n", engine.FamilyDebian},
		{"mint", "ID=linuxmint\nID_LIKE=\"ubuntu debian\"\n", engine.FamilyDebian},
		{"raspbian", "ID=raspbian\n", engine.FamilyDebian},
		{"rocky", "ID=\"rocky\"\nID_LIKE=\"rhel centos fedora\"\n", engine.FamilyRHEL},
		{"fedora", "ID=fedora\n", engine.FamilyRHEL},
		{"amazon", "ID=\"amzn\"\nID_LIKE=\"fedora\"\n", engine.FamilyRHEL},
		{"arch", "ID=arch\n", engine.FamilyArch},
		{"manjaro", "ID=manjaro\nID_LIKE=arch\n", engine.FamilyArch},
		{"id_like fallback", "ID=neon\nID_LIKE=ubuntu\n", engine.FamilyDebian},
		{"unknown", "ID=haiku\n", engine.FamilyUnknown},
		{"garbage", "command not found", engine.FamilyUnknown},
		{"empty", "", engine.FamilyUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := table.DetectFamily(tt.output); got != tt.want {
				t.Errorf("DetectFamily() = %s, want %s", got, tt.want)
			}
		})
	}
}
