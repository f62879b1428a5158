package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"sshupdater/internal/sshx"
	"sshupdater/internal/telemetry"
)

// CredentialSource resolves authentication secrets by reference. The
// engine only ever holds secret material transiently, while a session
// is being established; it never logs it.
type CredentialSource interface {
	Password(ctx context.Context, ref string) (string, error)
	PrivateKey(ctx context.Context, keyPath string) ([]byte, error)
}

// taskState tracks the runner's progress through one host task.
type taskState string

const (
	statePending    taskState = "pending"
	stateConnecting taskState = "connecting"
	stateProbing    taskState = "probing"
	stateExecuting  taskState = "executing"
	stateParsing    taskState = "parsing"
)

// maxExcerpt bounds the raw log excerpt carried in a HostResult.
const maxExcerpt = 2048

// Runner executes one operation against one host end-to-end:
// connect, probe, execute, parse, classify, release. One runner
// invocation handles exactly one task and never retries; a retry is a
// new task scheduled by the caller.
type Runner struct {
	dialer   sshx.Dialer
	profiles ProfileSource
	creds    CredentialSource
	log      *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(dialer sshx.Dialer, profiles ProfileSource, creds CredentialSource, log *slog.Logger) *Runner {
	return &Runner{
		dialer:   dialer,
		profiles: profiles,
		creds:    creds,
		log:      log,
	}
}

// Run executes op against host and always returns a terminal
// HostResult; failures are captured, never propagated as errors. The
// session is released before the result is returned.
func (r *Runner) Run(ctx context.Context, host Host, op Operation, opts RunOptions) HostResult {
	opts = opts.withDefaults()
	start := time.Now()

	ctx, span := telemetry.Tracer().Start(ctx, "Runner.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("host.id", host.ID),
		attribute.String("host.name", host.Name),
		attribute.String("operation", op.String()),
	)

	res := r.run(ctx, host, op, opts)
	res.Duration = time.Since(start)
	res.FinishedAt = time.Now()

	span.SetAttributes(attribute.String("status", string(res.Status)))
	r.log.Debug("host task finished",
		slog.String("host", host.Name),
		slog.String("operation", op.String()),
		slog.String("status", string(res.Status)),
		slog.Duration("duration", res.Duration),
	)
	return res
}

func (r *Runner) run(ctx context.Context, host Host, op Operation, opts RunOptions) HostResult {
	state := statePending
	fail := func(status Status, format string, args ...any) HostResult {
		return HostResult{
			HostID:    host.ID,
			HostName:  host.Name,
			Operation: op,
			Status:    status,
			OSFamily:  host.OSFamily,
			Err:       fmt.Sprintf("%s: ", state) + fmt.Sprintf(format, args...),
		}
	}

	// Pending → Connecting
	state = stateConnecting
	r.logState(host, op, state)

	tgt := sshx.Target{
		Address:        host.Address,
		Port:           host.Port,
		User:           host.User,
		ConnectTimeout: opts.ConnectTimeout,
	}
	switch host.AuthMethod {
	case AuthPassword:
		pw, err := r.creds.Password(ctx, host.CredentialRef)
		if err != nil {
			return fail(StatusAuthFail, "resolve password: %v", err)
		}
		tgt.Password = pw
	case AuthKey:
		key, err := r.creds.PrivateKey(ctx, host.KeyPath)
		if err != nil {
			return fail(StatusAuthFail, "read private key: %v", err)
		}
		tgt.PrivateKey = key
	default:
		return fail(StatusAuthFail, "unknown auth method %q", host.AuthMethod)
	}

	sess, err := r.dialer.Connect(ctx, tgt)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return fail(StatusCancelled, "run cancelled: %v", ctx.Err())
		case errors.Is(err, sshx.ErrAuthFailed):
			// No further connection attempt for this task: repeated
			// failed logins can lock the remote account.
			return fail(StatusAuthFail, "%v", err)
		case errors.Is(err, sshx.ErrConnectTimeout):
			return fail(StatusTimedOut, "%v", err)
		default:
			return fail(StatusOffline, "%v", err)
		}
	}
	defer sess.Close()

	// Connecting → Probing. The probe confirms the command channel
	// works and supplies the os-release dump for family detection, so
	// dead hosts never show up as command-level failures.
	state = stateProbing
	r.logState(host, op, state)

	probeCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	probe, err := sess.Run(probeCtx, r.profiles.Probe())
	cancel()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return fail(StatusCancelled, "run cancelled: %v", ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			return fail(StatusTimedOut, "probe timed out")
		default:
			return fail(StatusOffline, "probe failed: %v", err)
		}
	}

	fam := host.OSFamily
	if fam == FamilyAuto || fam == "" {
		fam = r.profiles.DetectFamily(probe.Stdout)
	}
	if fam == FamilyUnknown {
		return fail(StatusFailed, "unsupported distribution (os-release gave no known family)")
	}

	prof, err := r.profiles.Lookup(fam, op)
	if err != nil {
		return fail(StatusFailed, "%v", err)
	}

	// Probing → Executing
	state = stateExecuting
	r.logState(host, op, state)

	execTimeout := opts.ExecTimeout
	if execTimeout == 0 {
		execTimeout = prof.Timeout
	}

	out, err := r.execute(ctx, sess, prof, execTimeout)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return fail(StatusCancelled, "run cancelled: %v", ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			// The remote command may still be running; we only abandon
			// the channel locally.
			res := fail(StatusTimedOut, "command timed out after %s", execTimeout)
			res.OSFamily = fam
			return res
		case op == OpReboot:
			// A dropped connection right after the trigger means the
			// reboot very likely took, matching the original tool.
			return HostResult{
				HostID:    host.ID,
				HostName:  host.Name,
				Operation: op,
				Status:    StatusSucceeded,
				OSFamily:  fam,
				Err:       fmt.Sprintf("connection closed after trigger: %v", err),
			}
		default:
			res := fail(StatusFailed, "channel error: %v", err)
			res.OSFamily = fam
			return res
		}
	}

	// Executing → Parsing
	state = stateParsing
	r.logState(host, op, state)

	result := HostResult{
		HostID:     host.ID,
		HostName:   host.Name,
		Operation:  op,
		OSFamily:   fam,
		LogExcerpt: excerpt(out.Stdout, out.Stderr),
	}
	if prof.RebootMarker != "" {
		result.RebootRequired = strings.Contains(out.Stdout, prof.RebootMarker)
	}

	if !prof.ExitOK(out.ExitCode) {
		result.Status = StatusFailed
		result.Err = fmt.Sprintf("remote command exited with %d", out.ExitCode)
		return result
	}
	if prof.SuccessMarker != "" && !strings.Contains(out.Stdout, prof.SuccessMarker) {
		result.Status = StatusFailed
		result.Err = fmt.Sprintf("expected %q in output", prof.SuccessMarker)
		return result
	}

	if prof.Parse != nil {
		delta, ok := prof.Parse(out.Stdout, out.Stderr, out.ExitCode)
		if !ok {
			// Exit 0 with unrecognizable output must never pass as a
			// clean zero-change success.
			result.Status = StatusFailed
			result.Err = "output not recognized by parser"
			return result
		}
		result.Delta = delta
	}

	result.Status = StatusSucceeded
	return result
}

// execute sends the payload, falling back once when the profile defines
// a fallback command and the primary did not signal success.
func (r *Runner) execute(ctx context.Context, sess sshx.Session, prof Profile, timeout time.Duration) (sshx.ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := sess.Run(execCtx, prof.Command)
	if err != nil {
		return out, err
	}
	if prof.Fallback == "" || primaryOK(prof, out) {
		return out, nil
	}
	return sess.Run(execCtx, prof.Fallback)
}

func primaryOK(prof Profile, out sshx.ExecResult) bool {
	if !prof.ExitOK(out.ExitCode) {
		return false
	}
	if prof.SuccessMarker != "" && !strings.Contains(out.Stdout, prof.SuccessMarker) {
		return false
	}
	return true
}

func (r *Runner) logState(host Host, op Operation, state taskState) {
	r.log.Debug("host task state",
		slog.String("host", host.Name),
		slog.String("operation", op.String()),
		slog.String("state", string(state)),
	)
}

// excerpt returns a bounded tail of the combined remote output.
func excerpt(stdout, stderr string) string {
	combined := strings.TrimSpace(stdout)
	if s := strings.TrimSpace(stderr); s != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += s
	}
	if len(combined) > maxExcerpt {
		combined = combined[len(combined)-maxExcerpt:]
	}
	return combined
}
