// Package clipool runs one SSH show-command session per device under a
// bounded worker budget. Each worker holds a real OS-level socket and a
// blocking terminal state machine, per spec §5 — hence a bounded pool of
// goroutines gated by a semaphore rather than the cooperative-task model
// the HTTP pool uses.
package clipool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/meridianlabs/netvault/infrastructure/logging"
	"github.com/meridianlabs/netvault/internal/app/domain/backup"
	"github.com/meridianlabs/netvault/internal/scrub"
)

// DeviceOutcome is one device's raw result from the pool: either RawConfig
// or Err is set, never both.
type DeviceOutcome struct {
	Device     backup.Device
	RawConfig  string
	Err        error
	DurationMS int64
}

// ErrorKind classifies a CLI-pool failure per spec §7.
type ErrorKind string

const (
	ErrAuth        ErrorKind = "auth"
	ErrUnreachable ErrorKind = "unreachable"
	ErrTimeout     ErrorKind = "timeout"
	ErrTransport   ErrorKind = "transport"
	ErrProtocol    ErrorKind = "protocol"
)

// DeviceError wraps a per-device CLI failure with its classification.
type DeviceError struct {
	Kind ErrorKind
	Err  error
}

func (e *DeviceError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *DeviceError) Unwrap() error { return e.Err }

// CredentialsFunc resolves the (username, password) to use for a device.
type CredentialsFunc func(ctx context.Context, device backup.Device) (username, password string, err error)

// Dialer opens an SSH client connection to addr. Exposed for tests to
// substitute an in-memory SSH server.
type Dialer func(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error)

func defaultDialer(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := &net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Pool runs run_cli: a bounded set of one-shot SSH sessions, FIFO over its
// intake queue, with worker capacity invariant under per-device failure.
type Pool struct {
	workers int
	timeout time.Duration
	dial    Dialer
	log     *logging.Logger
}

// New constructs a Pool with the given worker budget and per-device
// wall-clock timeout (applies to both connect and read).
func New(workers int, timeout time.Duration, log *logging.Logger) *Pool {
	if workers <= 0 {
		workers = 50
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Pool{workers: workers, timeout: timeout, dial: defaultDialer, log: log}
}

// WithDialer overrides the SSH dialer, primarily for tests.
func (p *Pool) WithDialer(d Dialer) *Pool {
	p.dial = d
	return p
}

// Run fans run_cli out over devices, bounded by the pool's worker budget.
// Queued devices beyond the budget wait their turn in FIFO order (a
// buffered semaphore acquired in submission order). On ctx cancellation,
// in-flight sessions are closed (surfacing as ErrTimeout/transport errors)
// and any device that had not yet started is emitted with a context-
// cancellation DeviceOutcome so the orchestrator can record it `skipped`.
func (p *Pool) Run(ctx context.Context, devices []backup.Device, creds CredentialsFunc) <-chan DeviceOutcome {
	out := make(chan DeviceOutcome, len(devices))
	sem := make(chan struct{}, p.workers)

	var wg sync.WaitGroup
	for _, device := range devices {
		device := device
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				out <- DeviceOutcome{Device: device, Err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				out <- DeviceOutcome{Device: device, Err: ctx.Err()}
				return
			}

			out <- p.runOne(ctx, device, creds)
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func (p *Pool) runOne(ctx context.Context, device backup.Device, creds CredentialsFunc) DeviceOutcome {
	start := time.Now()
	deviceCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	username, password, err := creds(deviceCtx, device)
	if err != nil {
		return p.outcome(device, start, &DeviceError{Kind: ErrAuth, Err: err})
	}

	config := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.timeout,
	}

	client, err := p.dial(deviceCtx, device.Address, config)
	if err != nil {
		return p.outcome(device, start, classifyDialError(err))
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return p.outcome(device, start, &DeviceError{Kind: ErrTransport, Err: err})
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		output, err := session.CombinedOutput(scrub.ShowCommand(device.Platform))
		resultCh <- result{out: output, err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return p.outcome(device, start, &DeviceError{Kind: ErrProtocol, Err: r.err})
		}
		if p.log != nil {
			p.log.LogDeviceOp(ctx, device.ID, "cli_backup", nil)
		}
		return DeviceOutcome{Device: device, RawConfig: string(r.out), DurationMS: time.Since(start).Milliseconds()}
	case <-deviceCtx.Done():
		session.Close()
		return p.outcome(device, start, &DeviceError{Kind: ErrTimeout, Err: deviceCtx.Err()})
	}
}

func (p *Pool) outcome(device backup.Device, start time.Time, err error) DeviceOutcome {
	return DeviceOutcome{Device: device, Err: err, DurationMS: time.Since(start).Milliseconds()}
}

func classifyDialError(err error) error {
	// ssh.NewClientConn does not expose a typed auth-rejection error; the
	// handshake failure message is the only signal available.
	if strings.Contains(err.Error(), "unable to authenticate") {
		return &DeviceError{Kind: ErrAuth, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &DeviceError{Kind: ErrTimeout, Err: err}
	}
	return &DeviceError{Kind: ErrUnreachable, Err: err}
}
