package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/gluk-w/smssh/internal/audit"
	"github.com/gluk-w/smssh/internal/console"
	"github.com/gluk-w/smssh/internal/fleet"
	"github.com/gluk-w/smssh/internal/resolver"
)

var (
	ErrSessionNotFound = errors.New("tunnel session not found")
	ErrNoInstance      = errors.New("no registered instance")
)

// InstanceResolver is the part of resolver.Resolver the manager needs.
type InstanceResolver interface {
	Resolve(ctx context.Context, q resolver.Query, timeout time.Duration, expected int) ([]string, error)
}

// RecordFinder is implemented by resolvers that can look up the
// registration of a single instance.
type RecordFinder interface {
	Record(ctx context.Context, id string) (fleet.Record, bool, error)
}

// OpenRequest names the target of a new session: either an instance id or
// a query whose newest match is used. With both set the query only
// describes the resource.
type OpenRequest struct {
	InstanceID        string          `json:"instance_id,omitempty"`
	Query             *resolver.Query `json:"-"`
	ResolveTimeout    time.Duration   `json:"-"`
	LocalPort         int             `json:"local_port,omitempty"`
	ExtraArgs         []string        `json:"extra_args,omitempty"`
	TerminateWaitLoop bool            `json:"terminate_wait_loop,omitempty"`
}

// Session is one managed tunnel.
type Session struct {
	ID           string
	ResourceKind string
	ResourceName string
	CreatedAt    time.Time
	Proxy        *Proxy
	Activity     *Activity
}

// SessionInfo is the JSON view of a session.
type SessionInfo struct {
	ID           string    `json:"id"`
	InstanceID   string    `json:"instance_id"`
	LocalPort    int       `json:"local_port"`
	State        State     `json:"state"`
	ResourceKind string    `json:"resource_kind,omitempty"`
	ResourceName string    `json:"resource_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:           s.ID,
		InstanceID:   s.Proxy.InstanceID(),
		LocalPort:    s.Proxy.LocalPort(),
		State:        s.Proxy.State(),
		ResourceKind: s.ResourceKind,
		ResourceName: s.ResourceName,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.Activity.Last(),
	}
}

// ExecResult is the outcome of a command run through the manager.
type ExecResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// Manager owns the tunnels of a long-running process, keyed by session id.
type Manager struct {
	base     Config
	resolver InstanceResolver
	clock    clock.Clock

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager. base is the template for every session's
// Config; LocalPort, ExtraArgs, LogHint and Activity are filled per
// session.
func NewManager(base Config, res InstanceResolver, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Manager{
		base:     base,
		resolver: res,
		clock:    clk,
		sessions: make(map[string]*Session),
	}
}

// Open resolves the target if needed, connects and registers the session.
// A failed connection is not registered.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (SessionInfo, error) {
	instanceID := req.InstanceID
	var kind, name, hint string
	if req.Query != nil {
		kind, name = req.Query.Kind.String(), req.Query.Name
		hint = console.Hint(m.base.Region, req.Query.Kind, req.Query.Name)
	} else if instanceID != "" {
		kind, name, hint = m.describe(ctx, instanceID)
	}

	if instanceID == "" {
		if req.Query == nil || m.resolver == nil {
			return SessionInfo{}, fmt.Errorf("open tunnel: instance id or query is required")
		}
		start := m.clock.Now()
		ids, err := m.resolver.Resolve(ctx, *req.Query, req.ResolveTimeout, 1)
		audit.LogResolution(kind, name, ids, m.clock.Now().Sub(start))
		if err != nil {
			return SessionInfo{}, err
		}
		if len(ids) == 0 {
			return SessionInfo{}, fmt.Errorf("%w for %s; %s", ErrNoInstance, req.Query, hint)
		}
		instanceID = ids[0]
	}

	port := req.LocalPort
	if port == 0 {
		p, err := freePort()
		if err != nil {
			return SessionInfo{}, err
		}
		port = p
	}

	cfg := m.base
	cfg.LocalPort = port
	cfg.ExtraArgs = append(append([]string(nil), m.base.ExtraArgs...), req.ExtraArgs...)
	cfg.LogHint = hint
	cfg.Activity = NewActivity(m.clock)

	id := uuid.New().String()
	proxy := New(cfg)
	if err := proxy.Connect(ctx, instanceID); err != nil {
		audit.LogTunnelFailed(id, instanceID, err.Error())
		return SessionInfo{}, err
	}
	if req.TerminateWaitLoop {
		if err := proxy.TerminateRemoteWaitLoop(ctx); err != nil {
			proxy.Disconnect()
			audit.LogTunnelFailed(id, instanceID, err.Error())
			return SessionInfo{}, err
		}
		audit.LogWaitLoopTerminated(id, instanceID)
	}

	s := &Session{
		ID:           id,
		ResourceKind: kind,
		ResourceName: name,
		CreatedAt:    m.clock.Now(),
		Proxy:        proxy,
		Activity:     cfg.Activity,
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	audit.LogTunnelConnected(id, instanceID, port)
	log.Printf("[tunnel] session %s open: %s on localhost:%d", id, instanceID, port)
	return s.Info(), nil
}

// describe derives the resource of instanceID from its registration. It
// returns empty strings when the resolver cannot look records up or the
// record names no resource.
func (m *Manager) describe(ctx context.Context, instanceID string) (kind, name, hint string) {
	finder, ok := m.resolver.(RecordFinder)
	if !ok {
		return "", "", ""
	}
	rec, found, err := finder.Record(ctx, instanceID)
	if err != nil {
		log.Printf("[tunnel] cannot look up %s: %v", instanceID, err)
		return "", "", ""
	}
	if !found || rec.Kind() == fleet.KindUnknown || rec.ResourceName == "" {
		return "", "", ""
	}
	return rec.Kind().String(), rec.ResourceName, console.Hint(m.base.Region, rec.Kind(), rec.ResourceName)
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns all sessions, oldest first.
func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]SessionInfo, len(sessions))
	for i, s := range sessions {
		infos[i] = s.Info()
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Exec runs command in a session and returns its output and exit code. A
// non-zero exit is reported in the result, not as an error.
func (m *Manager) Exec(ctx context.Context, id, command string) (ExecResult, error) {
	s, ok := m.Get(id)
	if !ok {
		return ExecResult{}, ErrSessionNotFound
	}
	start := m.clock.Now()
	out, err := s.Proxy.RunCommandCapture(ctx, command)
	res := ExecResult{Output: string(out)}

	var f *Failure
	switch {
	case err == nil:
	case errors.As(err, &f) && errors.Is(err, ErrCommandFailed) && f.ExitCode != 0:
		res.ExitCode = f.ExitCode
	default:
		return res, err
	}
	audit.LogCommand(id, s.Proxy.InstanceID(), command, res.ExitCode, m.clock.Now().Sub(start))
	return res, nil
}

// Close disconnects and forgets a session.
func (m *Manager) Close(id string) error {
	return m.close(id, "closed")
}

func (m *Manager) close(id, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	err := s.Proxy.Disconnect()
	audit.LogTunnelDisconnected(id, s.Proxy.InstanceID(), reason, m.clock.Now().Sub(s.CreatedAt))
	return err
}

// CloseAll disconnects every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.close(id, "shutdown"); err != nil && !errors.Is(err, ErrSessionNotFound) {
				log.Printf("[tunnel] close session %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
}

// SweepIdle closes sessions idle for at least timeout and sessions whose
// forwarder is gone. It returns the number of closed sessions.
func (m *Manager) SweepIdle(timeout time.Duration) int {
	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		if s.Activity.Expired(timeout) || s.Proxy.State() == StateDisconnected {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	closed := 0
	for _, id := range stale {
		if err := m.close(id, "idle"); errors.Is(err, ErrSessionNotFound) {
			continue
		}
		closed++
	}
	if closed > 0 {
		log.Printf("[tunnel] closed %d idle session(s)", closed)
	}
	return closed
}

// freePort asks the kernel for an unused local port.
func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate local port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
