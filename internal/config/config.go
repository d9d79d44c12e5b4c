package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings is read from SMSSH_* environment variables.
type Settings struct {
	Region       string `envconfig:"REGION" default:""`
	DataPath     string `envconfig:"DATA_PATH" default:"~/.smssh"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8300"`

	// Resolver
	ResolvePollInterval    time.Duration `envconfig:"RESOLVE_POLL_INTERVAL" default:"10s"`
	ResolveCatchUpInterval time.Duration `envconfig:"RESOLVE_CATCHUP_INTERVAL" default:"30s"`
	ResolveCatchUpAttempts int           `envconfig:"RESOLVE_CATCHUP_ATTEMPTS" default:"5"`
	ResolveTimeout         time.Duration `envconfig:"RESOLVE_TIMEOUT" default:"15m"`

	// Log query fallback
	LogQueryLookback     time.Duration `envconfig:"LOG_QUERY_LOOKBACK" default:"336h"`
	LogQueryPollInterval time.Duration `envconfig:"LOG_QUERY_POLL_INTERVAL" default:"1s"`
	LogQueryTimeout      time.Duration `envconfig:"LOG_QUERY_TIMEOUT" default:"5m"`

	// Tunnel
	ForwarderBinary     string        `envconfig:"FORWARDER_BINARY" default:"sm-local-start-ssh"`
	SSHBinary           string        `envconfig:"SSH_BINARY" default:"ssh"`
	SSHUser             string        `envconfig:"SSH_USER" default:"root"`
	IdentityFile        string        `envconfig:"IDENTITY_FILE" default:"~/.ssh/sagemaker-ssh-gw"`
	KnownHostsFile      string        `envconfig:"KNOWN_HOSTS_FILE" default:"~/.ssh/known_hosts"`
	PortWaitTimeout     time.Duration `envconfig:"PORT_WAIT_TIMEOUT" default:"90s"`
	DrainWait           time.Duration `envconfig:"DRAIN_WAIT" default:"2s"`
	HealthCommand       string        `envconfig:"HEALTH_COMMAND" default:"uname -a"`
	HealthMarker        string        `envconfig:"HEALTH_MARKER" default:"Linux"`
	WaitLoopStopCommand string        `envconfig:"WAIT_LOOP_STOP_COMMAND" default:"sm-wait stop"`
	WaitLoopListCommand string        `envconfig:"WAIT_LOOP_LIST_COMMAND" default:"sm-wait list"`
	TunnelIdleTimeout   time.Duration `envconfig:"TUNNEL_IDLE_TIMEOUT" default:"1h"`

	// Maintenance
	ReaperSchedule     string `envconfig:"REAPER_SCHEDULE" default:""`
	ReaperAgeDays      int    `envconfig:"REAPER_AGE_DAYS" default:"7"`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

// Load reads the settings into Cfg and exits on malformed values.
func Load() {
	s, err := Process()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg = s
}

// Process reads the settings from the environment and expands home-relative
// paths. Derived paths default to files under DataPath.
func Process() (Settings, error) {
	var s Settings
	if err := envconfig.Process("SMSSH", &s); err != nil {
		return Settings{}, err
	}
	s.DataPath = ExpandHome(s.DataPath)
	s.IdentityFile = ExpandHome(s.IdentityFile)
	s.KnownHostsFile = ExpandHome(s.KnownHostsFile)
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "smssh.db")
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataPath, "smssh.log")
	}
	s.DatabasePath = ExpandHome(s.DatabasePath)
	s.LogPath = ExpandHome(s.LogPath)
	if s.Region == "" {
		s.Region = firstNonEmpty(os.Getenv("AWS_REGION"), os.Getenv("AWS_DEFAULT_REGION"))
	}
	return s, nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
