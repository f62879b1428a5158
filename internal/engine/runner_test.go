package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"sshupdater/internal/sshx"
)

// --- fakes ---

type fakeSession struct {
	mu       sync.Mutex
	commands []string
	run      func(ctx context.Context, cmd string) (sshx.ExecResult, error)
	onClose  func()
	closed   bool
}

func (s *fakeSession) Run(ctx context.Context, cmd string) (sshx.ExecResult, error) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()
	return s.run(ctx, cmd)
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		if s.onClose != nil {
			s.onClose()
		}
	}
	return nil
}

func (s *fakeSession) sentCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

type fakeDialer struct {
	mu         sync.Mutex
	connectErr error
	newSession func() *fakeSession
	live       int
	maxLive    int
	dials      int
}

func (d *fakeDialer) Connect(ctx context.Context, tgt sshx.Target) (sshx.Session, error) {
	d.mu.Lock()
	d.dials++
	if d.connectErr != nil {
		err := d.connectErr
		d.mu.Unlock()
		return nil, err
	}
	d.live++
	if d.live > d.maxLive {
		d.maxLive = d.live
	}
	d.mu.Unlock()

	sess := d.newSession()
	sess.onClose = func() {
		d.mu.Lock()
		d.live--
		d.mu.Unlock()
	}
	return sess, nil
}

type fakeProfiles struct {
	family    OSFamily
	profile   Profile
	lookupErr error
}

func (f *fakeProfiles) Probe() string                { return "probe" }
func (f *fakeProfiles) DetectFamily(string) OSFamily { return f.family }
func (f *fakeProfiles) Lookup(OSFamily, Operation) (Profile, error) {
	return f.profile, f.lookupErr
}

type fakeCreds struct {
	password    string
	passwordErr error
	key         []byte
	keyErr      error
}

func (f *fakeCreds) Password(context.Context, string) (string, error) {
	return f.password, f.passwordErr
}

func (f *fakeCreds) PrivateKey(context.Context, string) ([]byte, error) {
	return f.key, f.keyErr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func keyHost(name string) Host {
	return Host{
		ID:         name,
		Name:       name,
		Address:    "192.0.2.1",
		Port:       22,
		User:       "root",
		AuthMethod: AuthKey,
		KeyPath:    "/key",
		OSFamily:   FamilyAuto,
	}
}

// respond builds a session that answers the probe with os-release text
// and every other command via payload.
func respond(payload func(cmd string) (sshx.ExecResult, error)) func() *fakeSession {
	return func() *fakeSession {
		return &fakeSession{run: func(ctx context.Context, cmd string) (sshx.ExecResult, error) {
			if cmd == "probe" {
				return sshx.ExecResult{Stdout: "ID=debian\n"}, nil
			}
			return payload(cmd)
		}}
	}
}

func newTestRunner(d *fakeDialer, p *fakeProfiles, c CredentialSource) *Runner {
	if c == nil {
		c = &fakeCreds{key: []byte("key")}
	}
	return NewRunner(d, p, c, discardLogger())
}

// --- tests ---

func TestRunner_Succeeds(t *testing.T) {
	dialer := &fakeDialer{newSession: respond(func(string) (sshx.ExecResult, error) {
		return sshx.ExecResult{Stdout: "5 pending\n__RR__\n"}, nil
	})}
	profiles := &fakeProfiles{
		family: FamilyDebian,
		profile: Profile{
			Command:      "payload",
			RebootMarker: "__RR__",
			Timeout:      time.Second,
			Parse: func(stdout, stderr string, exitCode int) (PackageDelta, bool) {
				return PackageDelta{ToUpgrade: 5}, true
			},
		},
	}
	r := newTestRunner(dialer, profiles, nil)

	res := r.Run(context.Background(), keyHost("web01"), OpCheck, RunOptions{})
	if res.Status != StatusSucceeded {
		t.Fatalf("Status = %s (%s), want succeeded", res.Status, res.Err)
	}
	if res.Delta.ToUpgrade != 5 {
		t.Errorf("ToUpgrade = %d, want 5", res.Delta.ToUpgrade)
	}
	if !res.RebootRequired {
		t.Error("RebootRequired = false, want true")
	}
	if res.OSFamily != FamilyDebian {
		t.Errorf("OSFamily = %s, want debian (detected)", res.OSFamily)
	}
	if res.Duration <= 0 || res.FinishedAt.IsZero() {
		t.Error("Duration/FinishedAt not set")
	}
}

func TestRunner_ConnectErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"unreachable", sshx.ErrUnreachable, StatusOffline},
		{"auth failed", sshx.ErrAuthFailed, StatusAuthFail},
		{"connect timeout", sshx.ErrConnectTimeout, StatusTimedOut},
		{"other dial error", errors.New("connection refused"), StatusOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := &fakeDialer{connectErr: tt.err}
			r := newTestRunner(dialer, &fakeProfiles{family: FamilyDebian}, nil)

			res := r.Run(context.Background(), keyHost("web01"), OpCheck, RunOptions{})
			if res.Status != tt.want {
				t.Errorf("Status = %s, want %s", res.Status, tt.want)
			}
			if res.Err == "" {
				t.Error("Err is empty for a non-succeeded result")
			}
		})
	}
}

func TestRunner_AuthFailureNeverRetries(t *testing.T) {
	dialer := &fakeDialer{connectErr: sshx.ErrAuthFailed}
	r := newTestRunner(dialer, &fakeProfiles{family: FamilyDebian}, nil)

	res := r.Run(context.Background(), keyHost("web01"), OpCheck, RunOptions{})
	if res.Status != StatusAuthFail {
		t.Fatalf("Status = %s, want auth_failed", res.Status)
	}
	if dialer.dials != 1 {
		t.Errorf("dials = %d, want exactly 1 (no retry after auth failure)", dialer.dials)
	}
}

func TestRunner_CredentialResolutionFailure(t *testing.T) {
	dialer := &fakeDialer{}
	creds := &fakeCreds{passwordErr: errors.New("vault is locked")}
	r := newTestRunner(dialer, &fakeProfiles{family: FamilyDebian}, creds)

	host := keyHost("web01")
	host.AuthMethod = AuthPassword
	host.CredentialRef = "1"

	res := r.Run(context.Background(), host, OpCheck, RunOptions{})
	if res.Status != StatusAuthFail {
		t.Fatalf("Status = %s, want auth_failed", res.Status)
	}
	if dialer.dials != 0 {
		t.Errorf("dials = %d, want 0 (no connection without credentials)", dialer.dials)
	}
}

func TestRunner_ExitZeroUnparseableIsFailed(t *testing.T) {
	dialer := &fakeDialer{newSession: respond(func(string) (sshx.ExecResult, error) {
		return sshx.ExecResult{Stdout: "???", ExitCode: 0}, nil
	})}
	profiles := &fakeProfiles{
		family: FamilyDebian,
		profile: Profile{
			Command: "payload",
			Timeout: time.Second,
			Parse: func(stdout, stderr string, exitCode int) (PackageDelta, bool) {
				return PackageDelta{}, false
			},
		},
	}
	r := newTestRunner(dialer, profiles, nil)

	res := r.Run(context.Background(), keyHost("web01"), OpCheck, RunOptions{})
	if res.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed (never a silent zero-change success)", res.Status)
	}
	if !strings.Contains(res.Err, "not recognized") {
		t.Errorf("Err = %q, want parser message", res.Err)
	}
}

func TestRunner_NonOKExitCodeIsFailed(t *testing.T) {
	dialer := &fakeDialer{newSession: respond(func(string) (sshx.ExecResult, error) {
		return sshx.ExecResult{Stdout: "boom", ExitCode: 127}, nil
	})}
	profiles := &fakeProfiles{
		family:  FamilyDebian,
		profile: Profile{Command: "payload", Timeout: time.Second},
	}
	r := newTestRunner(dialer, profiles, nil)

	res := r.Run(context.Background(), keyHost("web01"), OpCheck, RunOptions{})
	if res.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", res.Status)
	}
	if !strings.Contains(res.Err, "127") {
		t.Errorf("Err = %q, want exit code", res.Err)
	}
}

func TestRunner_OKExitCodesAccepted(t *testing.T) {
	dialer := &fakeDialer{newSession: respond(func(string) (sshx.ExecResult, error) {
		return sshx.ExecResult{Stdout: "updates", ExitCode: 100}, nil
	})}
	profiles := &fakeProfiles{
		family: FamilyRHEL,
		profile: Profile{
			Command:     "payload",
			OKExitCodes: []int{100},
			Timeout:     time.Second,
			Parse: func(stdout, stderr string, exitCode int) (PackageDelta, bool) {
				return PackageDelta{ToUpgrade: 1}, true
			},
		},
	}
	r := newTestRunner(dialer, profiles, nil)

	res := r.Run(context.Background(), keyHost("web01"), OpCheck, RunOptions{})
	if res.Status != StatusSucceeded {
		t.Fatalf("Status = %s (%s), want succeeded for exit 100", res.Status, res.Err)
	}
}

func TestRunner_UnknownFamilyIsFailed(t *testing.T) {
	dialer := &fakeDialer{newSession: respond(func(string) (sshx.ExecResult, error) {
		return sshx.ExecResult{}, nil
	})}
	r := newTestRunner(dialer, &fakeProfiles{family: FamilyUnknown}, nil)

	res := r.Run(context.Background(), keyHost("web01"), OpCheck, RunOptions{})
	if res.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed for unsupported distribution", res.Status)
	}
	if !strings.Contains(res.Err, "unsupported distribution") {
		t.Errorf("Err = %q", res.Err)
	}
}

func TestRunner_PinnedFamilySkipsDetection(t *testing.T) {
	dialer := &fakeDialer{newSession: respond(func(string) (sshx.ExecResult, error) {
		return sshx.ExecResult{Stdout: "ok"}, nil
	})}
	// DetectFamily would return Unknown, but the host pins its family.
	profiles := &fakeProfiles{
		family: FamilyUnknown,
		profile: Profile{
			Command: "payload",
			Timeout: time.Second,
			Parse: func(string, string, int) (PackageDelta, bool) { return PackageDelta{}, true },
		},
	}
	r := newTestRunner(dialer, profiles, nil)

	host := keyHost("web01")
	host.OSFamily = FamilyRHEL

	res := r.Run(context.Background(), host, OpCheck, RunOptions{})
	if res.Status != StatusSucceeded {
		t.Fatalf("Status = %s (%s), want succeeded", res.Status, res.Err)
	}
	if res.OSFamily != FamilyRHEL {
		t.Errorf("OSFamily = %s, want rhel (pinned)", res.OSFamily)
	}
}

func TestRunner_SimulateSendsOnlyConfiguredCommands(t *testing.T) {
	var sess *fakeSession
	dialer := &fakeDialer{newSession: func() *fakeSession {
		sess = &fakeSession{run: func(ctx context.Context, cmd string) (sshx.ExecResult, error) {
			if cmd == "probe" {
				return sshx.ExecResult{Stdout: "ID=debian\n"}, nil
			}
			return sshx.ExecResult{Stdout: "dry run ok"}, nil
		}}
		return sess
	}}
	profiles := &fakeProfiles{
		family: FamilyDebian,
		profile: Profile{
			Command: "apt-get -s dist-upgrade",
			Timeout: time.Second,
			Parse:   func(string, string, int) (PackageDelta, bool) { return PackageDelta{}, true },
		},
	}
	r := newTestRunner(dialer, profiles, nil)

	res := r.Run(context.Background(), keyHost("web01"), OpSimulate, RunOptions{})
	if res.Status != StatusSucceeded {
		t.Fatalf("Status = %s (%s)", res.Status, res.Err)
	}

	want := []string{"probe", "apt-get -s dist-upgrade"}
	got := sess.sentCommands()
	if len(got) != len(want) {
		t.Fatalf("commands sent = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRunner_FallbackRunsOncePrimaryFails(t *testing.T) {
	var sess *fakeSession
	dialer := &fakeDialer{newSession: func() *fakeSession {
		sess = &fakeSession{run: func(ctx context.Context, cmd string) (sshx.ExecResult, error) {
			switch cmd {
			case "probe":
				return sshx.ExecResult{Stdout: "ID=debian\n"}, nil
			case "primary":
				return sshx.ExecResult{ExitCode: 1}, nil
			case "fallback":
				return sshx.ExecResult{Stdout: "TRIGGERED"}, nil
			}
			return sshx.ExecResult{}, errors.New("unexpected command")
		}}
		return sess
	}}
	profiles := &fakeProfiles{
		family: FamilyDebian,
		profile: Profile{
			Command:       "primary",
			Fallback:      "fallback",
			SuccessMarker: "TRIGGERED",
			Timeout:       time.Second,
		},
	}
	r := newTestRunner(dialer, profiles, nil)

	res := r.Run(context.Background(), keyHost("web01"), OpReboot, RunOptions{})
	if res.Status != StatusSucceeded {
		t.Fatalf("Status = %s (%s), want succeeded via fallback", res.Status, res.Err)
	}
	cmds := sess.sentCommands()
	if len(cmds) != 3 || cmds[1] != "primary" || cmds[2] != "fallback" {
		t.Errorf("commands = %v, want probe, primary, fallback", cmds)
	}
}

func TestRunner_RebootChannelErrorIsSuccess(t *testing.T) {
	dialer := &fakeDialer{newSession: respond(func(string) (sshx.ExecResult, error) {
		return sshx.ExecResult{}, sshx.ErrChannelError
	})}
	profiles := &fakeProfiles{
		family:  FamilyDebian,
		profile: Profile{Command: "reboot-trigger", SuccessMarker: "TRIGGERED", Timeout: time.Second},
	}
	r := newTestRunner(dialer, profiles, nil)

	res := r.Run(context.Background(), keyHost("web01"), OpReboot, RunOptions{})
	if res.Status != StatusSucceeded {
		t.Fatalf("Status = %s, want succeeded (dropped connection after trigger)", res.Status)
	}
}

func TestRunner_ChannelErrorIsFailedForOtherOps(t *testing.T) {
	dialer := &fakeDialer{newSession: respond(func(string) (sshx.ExecResult, error) {
		return sshx.ExecResult{}, sshx.ErrChannelError
	})}
	profiles := &fakeProfiles{
		family:  FamilyDebian,
		profile: Profile{Command: "payload", Timeout: time.Second},
	}
	r := newTestRunner(dialer, profiles, nil)

	res := r.Run(context.Background(), keyHost("web01"), OpUpgrade, RunOptions{})
	if res.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", res.Status)
	}
}

func TestRunner_CommandTimeout(t *testing.T) {
	dialer := &fakeDialer{newSession: respond(func(string) (sshx.ExecResult, error) {
		return sshx.ExecResult{}, context.DeadlineExceeded
	})}
	profiles := &fakeProfiles{
		family:  FamilyDebian,
		profile: Profile{Command: "payload", Timeout: time.Millisecond},
	}
	r := newTestRunner(dialer, profiles, nil)

	res := r.Run(context.Background(), keyHost("web01"), OpCheck, RunOptions{})
	if res.Status != StatusTimedOut {
		t.Fatalf("Status = %s, want timed_out", res.Status)
	}
	if !strings.Contains(res.Err, "timed out") {
		t.Errorf("Err = %q", res.Err)
	}
}

func TestRunner_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	dialer := &fakeDialer{newSession: respond(func(string) (sshx.ExecResult, error) {
		cancel()
		return sshx.ExecResult{}, ctx.Err()
	})}
	profiles := &fakeProfiles{
		family:  FamilyDebian,
		profile: Profile{Command: "payload", Timeout: time.Second},
	}
	r := newTestRunner(dialer, profiles, nil)

	res := r.Run(ctx, keyHost("web01"), OpCheck, RunOptions{})
	if res.Status != StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", res.Status)
	}
}

func TestRunner_SessionAlwaysClosed(t *testing.T) {
	var sess *fakeSession
	dialer := &fakeDialer{newSession: func() *fakeSession {
		sess = &fakeSession{run: func(ctx context.Context, cmd string) (sshx.ExecResult, error) {
			return sshx.ExecResult{}, errors.New("boom")
		}}
		return sess
	}}
	r := newTestRunner(dialer, &fakeProfiles{family: FamilyDebian}, nil)

	res := r.Run(context.Background(), keyHost("web01"), OpCheck, RunOptions{})
	if res.Status == StatusSucceeded {
		t.Fatal("expected a failure")
	}
	if !sess.closed {
		t.Error("session not closed after failed task")
	}
}

func TestRunner_ExcerptIsBounded(t *testing.T) {
	big := strings.Repeat("x", 3*maxExcerpt)
	dialer := &fakeDialer{newSession: respond(func(string) (sshx.ExecResult, error) {
		return sshx.ExecResult{Stdout: big}, nil
	})}
	profiles := &fakeProfiles{
		family: FamilyDebian,
		profile: Profile{
			Command: "payload",
			Timeout: time.Second,
			Parse:   func(string, string, int) (PackageDelta, bool) { return PackageDelta{}, true },
		},
	}
	r := newTestRunner(dialer, profiles, nil)

	res := r.Run(context.Background(), keyHost("web01"), OpCheck, RunOptions{})
	if len(res.LogExcerpt) > maxExcerpt {
		t.Errorf("LogExcerpt length = %d, want <= %d", len(res.LogExcerpt), maxExcerpt)
	}
}
