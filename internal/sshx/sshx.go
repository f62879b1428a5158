// Package sshx wraps golang.org/x/crypto/ssh behind a narrow session
// contract: connect once per task, run one command per session channel,
// release deterministically on every exit path.
package sshx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrUnreachable means the TCP dial failed (network-level).
	ErrUnreachable = errors.New("sshx: host unreachable")
	// ErrAuthFailed means the server rejected the configured credential.
	ErrAuthFailed = errors.New("sshx: authentication failed")
	// ErrConnectTimeout means the connect bound was exceeded.
	ErrConnectTimeout = errors.New("sshx: connect timed out")
	// ErrChannelError means the session channel broke mid-command.
	ErrChannelError = errors.New("sshx: channel error")
)

// Target describes one connection attempt. Exactly one of Password or
// PrivateKey must be set; the client never falls back across auth
// methods (repeated failed attempts can lock remote accounts).
type Target struct {
	Address        string
	Port           int
	User           string
	Password       string
	PrivateKey     []byte // PEM-encoded
	ConnectTimeout time.Duration
}

func (t Target) addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Address, fmt.Sprintf("%d", port))
}

// ExecResult carries the raw outcome of one remote command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Session is one authenticated remote-command channel.
type Session interface {
	// Run executes cmd and waits for it, honoring ctx for cancellation
	// and deadline. On ctx expiry the channel is abandoned locally; the
	// remote command may keep running.
	Run(ctx context.Context, cmd string) (ExecResult, error)
	// Close releases the underlying connection. Idempotent.
	Close() error
}

// Dialer opens sessions. The engine depends on this interface so tests
// can substitute a fake fleet.
type Dialer interface {
	Connect(ctx context.Context, tgt Target) (Session, error)
}

// Client is the production Dialer.
type Client struct{}

// NewClient returns the x/crypto/ssh backed Dialer.
func NewClient() *Client {
	return &Client{}
}

// Connect dials and authenticates within tgt.ConnectTimeout. Failures
// are classified into ErrUnreachable, ErrAuthFailed or ErrConnectTimeout
// so the caller can distinguish offline hosts from rejected credentials.
func (c *Client) Connect(ctx context.Context, tgt Target) (Session, error) {
	auth, err := authMethod(tgt)
	if err != nil {
		return nil, err
	}

	timeout := tgt.ConnectTimeout
	if timeout == 0 {
		timeout = 8 * time.Second
	}

	cfg := &ssh.ClientConfig{
		User: tgt.User,
		Auth: []ssh.AuthMethod{auth},
		// Host keys are not pinned: fleet hosts get reinstalled and
		// containers recreated, matching the original tool's behavior.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", tgt.addr())
	if err != nil {
		return nil, classifyDialError(ctx, err)
	}

	// Bound the handshake too; cleared once the session is up.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	sc, chans, reqs, err := ssh.NewClientConn(conn, tgt.addr(), cfg)
	if err != nil {
		_ = conn.Close()
		return nil, classifyHandshakeError(ctx, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &clientSession{client: ssh.NewClient(sc, chans, reqs)}, nil
}

func authMethod(tgt Target) (ssh.AuthMethod, error) {
	switch {
	case len(tgt.PrivateKey) > 0:
		signer, err := ssh.ParsePrivateKey(tgt.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key: %v", ErrAuthFailed, err)
		}
		return ssh.PublicKeys(signer), nil
	case tgt.Password != "":
		return ssh.Password(tgt.Password), nil
	default:
		return nil, fmt.Errorf("%w: no credential provided", ErrAuthFailed)
	}
}

func classifyDialError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func classifyHandshakeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	// x/crypto/ssh reports rejected credentials as
	// "ssh: handshake failed: ssh: unable to authenticate ...".
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain") {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

type clientSession struct {
	client *ssh.Client
	closed bool
}

func (s *clientSession) Run(ctx context.Context, cmd string) (ExecResult, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("%w: open session: %v", ErrChannelError, err)
	}
	defer sess.Close()

	var stdout, stderr strings.Builder
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		// Abandon the channel; the remote command may still be running.
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	case err := <-done:
		res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, fmt.Errorf("%w: %v", ErrChannelError, err)
	}
}

func (s *clientSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
