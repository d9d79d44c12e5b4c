// Package tunnel runs SSH port forwarding to a managed instance through an
// external forwarder process and executes commands over it.
//
// A Proxy owns exactly one forwarder process tree and one goroutine that
// drains its output. Its lifecycle is
//
//	idle -> connecting -> health_checking -> ready -> draining -> disconnected
//
// and disconnected is reachable from every state. Disconnect is idempotent
// and never blocks on the output reader for longer than the drain wait.
package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/smssh/internal/logutil"
	"github.com/gluk-w/smssh/internal/sshkeys"
)

// Package-level vars so tests can shorten them.
var (
	portProbeInterval = 500 * time.Millisecond
	portProbeTimeout  = time.Second
	terminateGrace    = 5 * time.Second
	prescanTimeout    = 10 * time.Second
)

// Config describes how to reach one instance.
type Config struct {
	ForwarderBinary string
	SSHBinary       string
	User            string
	IdentityFile    string
	// KnownHostsFile receives the remote host key after the port opens.
	// ssh checks host keys against it. Empty skips the prescan and
	// records nothing.
	KnownHostsFile string
	// Region is exported to the forwarder as AWS_REGION and
	// AWS_DEFAULT_REGION when set.
	Region    string
	LocalPort int
	// ExtraArgs are appended to the forwarder arguments, e.g. additional
	// -L or -R specs for a debugger.
	ExtraArgs []string

	PortWaitTimeout time.Duration
	DrainWait       time.Duration

	HealthCommand       string
	HealthMarker        string
	WaitLoopStopCommand string
	WaitLoopListCommand string

	// LogHint tells the user where the remote side logs, typically a
	// console URL.
	LogHint string

	// Stdout and Stderr receive the output of RunCommand. They default to
	// the process streams.
	Stdout io.Writer
	Stderr io.Writer

	Activity *Activity
}

func (c *Config) setDefaults() {
	if c.SSHBinary == "" {
		c.SSHBinary = "ssh"
	}
	if c.User == "" {
		c.User = "root"
	}
	if c.PortWaitTimeout <= 0 {
		c.PortWaitTimeout = 90 * time.Second
	}
	if c.DrainWait <= 0 {
		c.DrainWait = 2 * time.Second
	}
	if c.HealthCommand == "" {
		c.HealthCommand = "uname -a"
	}
	if c.HealthMarker == "" {
		c.HealthMarker = "Linux"
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
}

// Proxy is one forwarding session.
type Proxy struct {
	cfg   Config
	state *stateMachine

	mu           sync.Mutex
	instanceID   string
	cmd          *exec.Cmd
	output       *outputBuffer
	outputReader *os.File
	exited       chan struct{}
	exitErr      error
	startedAt    time.Time
	disconnected bool
	teardownErr  error
	teardownDone chan struct{}
}

// New returns an idle Proxy.
func New(cfg Config) *Proxy {
	cfg.setDefaults()
	return &Proxy{cfg: cfg, state: newStateMachine(nil)}
}

// State returns the current state.
func (p *Proxy) State() State { return p.state.get() }

// Transitions returns the recent state changes, oldest first.
func (p *Proxy) Transitions() []Transition { return p.state.history() }

// OnStateChange registers cb for every future state change.
func (p *Proxy) OnStateChange(cb StateChangeCallback) { p.state.onChange(cb) }

// InstanceID returns the target instance, or "" before Start.
func (p *Proxy) InstanceID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.instanceID
}

// LocalPort returns the forwarded local port.
func (p *Proxy) LocalPort() int { return p.cfg.LocalPort }

// StartedAt returns when the forwarder was spawned.
func (p *Proxy) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// Output returns the forwarder output captured so far.
func (p *Proxy) Output() string {
	p.mu.Lock()
	out := p.output
	p.mu.Unlock()
	if out == nil {
		return ""
	}
	return out.String()
}

// Connect spawns the forwarder for instanceID and health-checks the
// tunnel. On failure the forwarder tree is torn down before returning.
func (p *Proxy) Connect(ctx context.Context, instanceID string) error {
	if err := p.Start(ctx, instanceID); err != nil {
		return err
	}
	if err := p.CheckHealth(ctx); err != nil {
		return err
	}
	return nil
}

// Start spawns the forwarder and its output reader.
func (p *Proxy) Start(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	if p.cmd != nil || p.disconnected {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	if p.cfg.LocalPort <= 0 {
		p.mu.Unlock()
		return fmt.Errorf("start tunnel to %s: local port is required", instanceID)
	}

	args := p.forwarderArgs(instanceID)
	cmd := exec.Command(p.cfg.ForwarderBinary, args...)
	cmd.Env = p.forwarderEnv()
	setProcessGroup(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		p.mu.Unlock()
		return fmt.Errorf("start forwarder %s: %w", p.cfg.ForwarderBinary, err)
	}
	pw.Close()

	p.instanceID = instanceID
	p.cmd = cmd
	p.output = newOutputBuffer()
	p.outputReader = pr
	p.exited = make(chan struct{})
	p.startedAt = time.Now()
	output, exited := p.output, p.exited
	p.mu.Unlock()

	go output.drain(pr)
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(exited)
	}()

	log.Printf("[tunnel] started forwarder pid %d to %s on localhost:%d",
		cmd.Process.Pid, instanceID, p.cfg.LocalPort)
	p.state.set(StateConnecting, "forwarder started")
	return nil
}

func (p *Proxy) forwarderArgs(instanceID string) []string {
	args := []string{
		instanceID,
		"-N",
		"-L", fmt.Sprintf("localhost:%d:localhost:22", p.cfg.LocalPort),
	}
	args = append(args, p.cfg.ExtraArgs...)
	return append(args,
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
	)
}

func (p *Proxy) forwarderEnv() []string {
	env := os.Environ()
	if p.cfg.Region != "" {
		env = append(env, "AWS_REGION="+p.cfg.Region, "AWS_DEFAULT_REGION="+p.cfg.Region)
	}
	return env
}

// CheckHealth waits for the local port, records the remote host key and
// requires the health command output to start with the health marker.
func (p *Proxy) CheckHealth(ctx context.Context) error {
	if s := p.State(); s != StateConnecting {
		return fmt.Errorf("%w: health check in state %s", ErrNotReady, s)
	}
	p.state.set(StateHealthChecking, "waiting for local port")

	addr := net.JoinHostPort("localhost", strconv.Itoa(p.cfg.LocalPort))
	if err := p.waitForPort(ctx, addr); err != nil {
		return p.failHealth("wait for local port", err, "")
	}

	if p.cfg.KnownHostsFile != "" {
		if _, err := sshkeys.PrescanHostKey(ctx, addr, p.cfg.KnownHostsFile, prescanTimeout); err != nil {
			log.Printf("[tunnel] host key prescan of %s failed: %v", addr, err)
		}
	}

	out, err := p.capture(ctx, p.cfg.HealthCommand)
	if err != nil {
		return p.failHealth("run "+p.cfg.HealthCommand, err, out.combined())
	}
	// ssh diagnostics go to stderr; only the command's stdout is judged
	if !strings.HasPrefix(strings.TrimSpace(string(out.stdout)), p.cfg.HealthMarker) {
		return p.failHealth("run "+p.cfg.HealthCommand,
			fmt.Errorf("output does not start with %q", p.cfg.HealthMarker), out.combined())
	}

	p.state.set(StateReady, "health check passed")
	log.Printf("[tunnel] tunnel to %s ready on localhost:%d", p.InstanceID(), p.cfg.LocalPort)
	return nil
}

func (p *Proxy) failHealth(op string, err error, commandOutput string) error {
	p.Disconnect()
	f := &Failure{
		Kind:       ErrHealthCheckFailed,
		InstanceID: p.InstanceID(),
		Op:         op,
		Err:        err,
		Diagnostics: Diagnostics{
			ProxyOutput:   p.Output(),
			CommandOutput: commandOutput,
			LogHint:       p.cfg.LogHint,
		},
	}
	log.Printf("[tunnel] health check of %s failed: %s: %v", f.InstanceID, op, err)
	return f
}

// waitForPort polls addr until it accepts a TCP connection. It gives up
// early when the forwarder exits.
func (p *Proxy) waitForPort(ctx context.Context, addr string) error {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()

	deadline := time.Now().Add(p.cfg.PortWaitTimeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, portProbeTimeout)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s not open after %s: %w", addr, p.cfg.PortWaitTimeout, err)
		}
		select {
		case <-exited:
			p.mu.Lock()
			exitErr := p.exitErr
			p.mu.Unlock()
			return fmt.Errorf("forwarder exited before %s opened: %v", addr, exitErr)
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(portProbeInterval):
		}
	}
}

// sshArgs builds the ssh invocation for command. Host keys are checked
// against the prescanned known_hosts file when one is configured.
func (p *Proxy) sshArgs(command string) []string {
	knownHosts := p.cfg.KnownHostsFile
	if knownHosts == "" {
		knownHosts = os.DevNull
	}
	return []string{
		"-4",
		p.cfg.User + "@localhost",
		"-p", strconv.Itoa(p.cfg.LocalPort),
		"-i", p.cfg.IdentityFile,
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=" + knownHosts,
		"-o", "LogLevel=ERROR",
		"-o", "BatchMode=yes",
		"-o", "PasswordAuthentication=no",
		"-o", "ConnectTimeout=10",
		command,
	}
}

// commandOutput keeps the two streams of a captured command apart.
type commandOutput struct {
	stdout []byte
	stderr []byte
}

// bytes returns stdout followed by stderr.
func (o commandOutput) bytes() []byte {
	out := make([]byte, 0, len(o.stdout)+len(o.stderr))
	out = append(out, o.stdout...)
	return append(out, o.stderr...)
}

func (o commandOutput) combined() string { return string(o.bytes()) }

// capture runs command over the tunnel regardless of state.
func (p *Proxy) capture(ctx context.Context, command string) (commandOutput, error) {
	if p.cfg.Activity != nil {
		p.cfg.Activity.Touch()
	}
	cmd := exec.CommandContext(ctx, p.cfg.SSHBinary, p.sshArgs(command)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return commandOutput{stdout: stdout.Bytes(), stderr: stderr.Bytes()}, err
}

func (p *Proxy) requireReady() error {
	if s := p.State(); s != StateReady {
		return fmt.Errorf("%w: state is %s", ErrNotReady, s)
	}
	return nil
}

// RunCommand runs command over the tunnel with output passed through to
// the configured writers and returns its exit code. A non-zero exit code is
// not an error.
func (p *Proxy) RunCommand(ctx context.Context, command string) (int, error) {
	if err := p.requireReady(); err != nil {
		return -1, err
	}
	if p.cfg.Activity != nil {
		p.cfg.Activity.Touch()
	}
	cmd := exec.CommandContext(ctx, p.cfg.SSHBinary, p.sshArgs(command)...)
	cmd.Stdout = p.cfg.Stdout
	cmd.Stderr = p.cfg.Stderr
	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("run %s: %w", p.cfg.SSHBinary, err)
}

// RunCommandCapture runs command over the tunnel and returns its stdout
// followed by its stderr. A non-zero exit is a *Failure of kind ErrCommandFailed.
func (p *Proxy) RunCommandCapture(ctx context.Context, command string) ([]byte, error) {
	if err := p.requireReady(); err != nil {
		return nil, err
	}
	out, err := p.capture(ctx, command)
	if err != nil {
		return out.bytes(), p.commandFailure(ErrCommandFailed, "run "+logutil.OneLine(command, 80), err, out.combined())
	}
	return out.bytes(), nil
}

// TerminateRemoteWaitLoop tells the remote placeholder process to stop
// waiting for an SSH session. Failure means session negotiation with the
// remote agent is broken; the list command output is attached.
func (p *Proxy) TerminateRemoteWaitLoop(ctx context.Context) error {
	if err := p.requireReady(); err != nil {
		return err
	}
	if p.cfg.WaitLoopStopCommand == "" {
		return nil
	}
	out, err := p.capture(ctx, p.cfg.WaitLoopStopCommand)
	if err == nil {
		log.Printf("[tunnel] remote wait loop on %s terminated", p.InstanceID())
		return nil
	}

	diag := out.combined()
	if p.cfg.WaitLoopListCommand != "" {
		listOut, _ := p.capture(ctx, p.cfg.WaitLoopListCommand)
		diag += "\n" + p.cfg.WaitLoopListCommand + ":\n" + listOut.combined()
	}
	return p.commandFailure(ErrRemoteTerminationFailed, "run "+p.cfg.WaitLoopStopCommand, err, diag)
}

func (p *Proxy) commandFailure(kind error, op string, err error, output string) *Failure {
	f := &Failure{
		Kind:       kind,
		InstanceID: p.InstanceID(),
		Op:         op,
		Err:        err,
		Diagnostics: Diagnostics{
			ProxyOutput:   p.Output(),
			CommandOutput: output,
			LogHint:       p.cfg.LogHint,
		},
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		f.ExitCode = exitErr.ExitCode()
	}
	return f
}

// Disconnect terminates the forwarder process tree. It is safe to call
// from any state and more than once; later calls wait for the first one
// and return its result.
func (p *Proxy) Disconnect() error {
	p.mu.Lock()
	if p.disconnected {
		done := p.teardownDone
		p.mu.Unlock()
		if done != nil {
			<-done
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.teardownErr
	}
	p.disconnected = true
	cmd, exited, output, reader := p.cmd, p.exited, p.output, p.outputReader
	if cmd == nil {
		p.mu.Unlock()
		p.state.set(StateDisconnected, "disconnected before start")
		return nil
	}
	done := make(chan struct{})
	p.teardownDone = done
	p.mu.Unlock()

	p.state.set(StateDraining, "disconnect requested")
	err := p.teardown(cmd.Process.Pid, exited)
	output.settle(p.cfg.DrainWait/4, p.cfg.DrainWait)
	reader.Close()

	p.mu.Lock()
	p.teardownErr = err
	p.mu.Unlock()
	close(done)

	p.state.set(StateDisconnected, "forwarder terminated")
	log.Printf("[tunnel] disconnected from %s (localhost:%d)", p.InstanceID(), p.cfg.LocalPort)
	return err
}

// teardown sends SIGTERM to the tree and SIGKILL to whatever is left after
// the grace period. Processes that are already gone are not an error.
func (p *Proxy) teardown(pid int, exited <-chan struct{}) error {
	tree := descendants(pid)
	err := signalTree(pid, tree, false)

	select {
	case <-exited:
		// children may outlive the forwarder
		if len(tree) > 0 {
			signalTree(pid, tree, true)
		}
		return err
	case <-time.After(terminateGrace):
	}

	tree = append(tree, descendants(pid)...)
	log.Printf("[tunnel] forwarder pid %d ignored SIGTERM, killing", pid)
	if kerr := signalTree(pid, tree, true); kerr != nil && err == nil {
		err = kerr
	}
	select {
	case <-exited:
	case <-time.After(terminateGrace):
		if err == nil {
			err = fmt.Errorf("forwarder pid %d did not exit", pid)
		}
	}
	return err
}

// With connects to instanceID, runs fn and disconnects, whatever fn or the
// health check return.
func With(ctx context.Context, cfg Config, instanceID string, fn func(*Proxy) error) (err error) {
	p := New(cfg)
	defer func() {
		if derr := p.Disconnect(); derr != nil && err == nil {
			err = fmt.Errorf("disconnect: %w", derr)
		}
	}()
	if err := p.Connect(ctx, instanceID); err != nil {
		return err
	}
	return fn(p)
}
