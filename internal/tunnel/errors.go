package tunnel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gluk-w/smssh/internal/logutil"
)

var (
	ErrHealthCheckFailed       = errors.New("tunnel health check failed")
	ErrRemoteTerminationFailed = errors.New("remote wait loop termination failed")
	ErrCommandFailed           = errors.New("remote command failed")
	ErrNotReady                = errors.New("tunnel is not ready")
	ErrAlreadyStarted          = errors.New("tunnel already started")
)

// maxDiagnosticBytes caps each diagnostic blob in error messages.
const maxDiagnosticBytes = 4096

// Diagnostics is what a user needs to tell a local failure (the forwarder
// never came up) from a remote one (the agent is not running) or an auth
// problem.
type Diagnostics struct {
	ProxyOutput   string `json:"proxy_output"`
	CommandOutput string `json:"command_output"`
	LogHint       string `json:"log_hint"`
}

// Failure is returned by every tunnel operation that fails on the remote
// side. errors.Is matches its Kind.
type Failure struct {
	Kind        error
	InstanceID  string
	Op          string
	ExitCode    int
	Err         error
	Diagnostics Diagnostics
}

func (f *Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s on %s", f.Kind, f.Op, f.InstanceID)
	if f.ExitCode != 0 {
		fmt.Fprintf(&b, " (exit code %d)", f.ExitCode)
	}
	if f.Err != nil {
		fmt.Fprintf(&b, ": %v", f.Err)
	}
	if out := strings.TrimSpace(f.Diagnostics.CommandOutput); out != "" {
		fmt.Fprintf(&b, "\ncommand output:\n%s", logutil.Truncate(out, maxDiagnosticBytes))
	}
	if out := strings.TrimSpace(f.Diagnostics.ProxyOutput); out != "" {
		fmt.Fprintf(&b, "\nforwarder output:\n%s", logutil.Truncate(out, maxDiagnosticBytes))
	}
	if f.Diagnostics.LogHint != "" {
		fmt.Fprintf(&b, "\ncheck the remote logs: %s", f.Diagnostics.LogHint)
	}
	return b.String()
}

func (f *Failure) Is(target error) bool {
	return target == f.Kind
}

func (f *Failure) Unwrap() error {
	return f.Err
}
