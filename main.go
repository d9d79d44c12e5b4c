package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/smssh/internal/audit"
	"github.com/gluk-w/smssh/internal/config"
	"github.com/gluk-w/smssh/internal/database"
	"github.com/gluk-w/smssh/internal/handlers"
	"github.com/gluk-w/smssh/internal/logging"
	"github.com/gluk-w/smssh/internal/logquery"
	"github.com/gluk-w/smssh/internal/reaper"
	"github.com/gluk-w/smssh/internal/registry"
	"github.com/gluk-w/smssh/internal/resolver"
	"github.com/gluk-w/smssh/internal/scheduler"
	"github.com/gluk-w/smssh/internal/sshkeys"
	"github.com/gluk-w/smssh/internal/tunnel"
)

const usage = `Usage: smssh <command> [flags]

Commands:
  serve         run the HTTP API with scheduled maintenance
  resolve       print the instance ids registered for a resource
  list          list registered instances
  connect       open a tunnel to an instance and run a command or wait
  logs-resolve  find instance ids in the resource logs
  reap          deregister instances offline for too long
  console-url   print console links for a resource

Run 'smssh <command> -h' for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var code int
	switch cmd {
	case "serve":
		code = runServe(args)
	case "resolve":
		code = runResolve(args)
	case "list":
		code = runList(args, os.Stdout)
	case "connect":
		code = runConnect(args)
	case "logs-resolve":
		code = runLogsResolve(args)
	case "reap":
		code = runReap(args, os.Stdin, os.Stdout)
	case "console-url":
		code = runConsoleURL(args, os.Stdout)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		code = 2
	}
	os.Exit(code)
}

func runServe(args []string) int {
	fs := newFlagSet("serve")
	listen := fs.String("listen", "", "listen address (default SMSSH_LISTEN_ADDR)")
	fs.Parse(args)

	config.Load()
	if *listen != "" {
		config.Cfg.ListenAddr = *listen
	}
	cfg := config.Cfg

	serverLog, err := logging.Open(cfg.LogPath)
	if err != nil {
		log.Printf("WARNING: logging to stdout only: %v", err)
	}
	defer serverLog.Close()

	if err := database.Init(cfg.DatabasePath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()
	auditor := audit.NewAuditor(database.DB, cfg.AuditRetentionDays)
	defer audit.Install(auditor)()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := registry.NewFromRegion(ctx, cfg.Region)
	if err != nil {
		log.Fatalf("Registry init: %v", err)
	}
	logs, err := newLogQuery(ctx, cfg)
	if err != nil {
		log.Fatalf("Log query init: %v", err)
	}

	if cfg.IdentityFile != "" {
		pub, created, err := sshkeys.EnsureIdentity(cfg.IdentityFile)
		if err != nil {
			log.Fatalf("SSH identity: %v", err)
		}
		fp, _ := sshkeys.Fingerprint(pub)
		log.Printf("SSH identity %s (%s, created=%v)", cfg.IdentityFile, fp, created)
	}

	res := resolver.New(reg)
	res.Policy = policyFrom(cfg)
	tunnels := tunnel.NewManager(tunnelConfig(cfg), res, nil)
	rp := reaper.New(reg)

	handlers.Registry = reg
	handlers.Resolver = res
	handlers.LogQuery = logs
	handlers.Tunnels = tunnels
	handlers.Reaper = rp
	handlers.ServerLog = serverLog
	handlers.Region = reg.Region()
	handlers.ResolveTimeout = cfg.ResolveTimeout
	handlers.ReaperAgeDays = cfg.ReaperAgeDays

	sched := scheduler.New(ctx)
	if err := sched.AddReaper(cfg.ReaperSchedule, rp, cfg.ReaperAgeDays); err != nil {
		log.Fatalf("Scheduler: %v", err)
	}
	if err := sched.AddAuditPurge(auditor); err != nil {
		log.Fatalf("Scheduler: %v", err)
	}
	if err := sched.AddIdleSweep(tunnels, cfg.TunnelIdleTimeout); err != nil {
		log.Fatalf("Scheduler: %v", err)
	}
	sched.Start()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handlers.NewRouter(),
	}
	go func() {
		log.Printf("Server starting on %s (region %s)", cfg.ListenAddr, reg.Region())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sched.Stop(shutdownCtx)
	tunnels.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
		return 1
	}
	log.Println("Server stopped")
	return 0
}

func policyFrom(cfg config.Settings) resolver.Policy {
	p := resolver.DefaultPolicy()
	p.PollInterval = cfg.ResolvePollInterval
	p.CatchUpInterval = cfg.ResolveCatchUpInterval
	p.CatchUpAttempts = cfg.ResolveCatchUpAttempts
	return p
}

func newLogQuery(ctx context.Context, cfg config.Settings) (*logquery.Client, error) {
	c, err := logquery.NewFromRegion(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}
	c.Policy = policyFrom(cfg)
	c.Lookback = cfg.LogQueryLookback
	c.PollInterval = cfg.LogQueryPollInterval
	c.Timeout = cfg.LogQueryTimeout
	return c, nil
}

func tunnelConfig(cfg config.Settings) tunnel.Config {
	return tunnel.Config{
		ForwarderBinary:     cfg.ForwarderBinary,
		SSHBinary:           cfg.SSHBinary,
		User:                cfg.SSHUser,
		IdentityFile:        cfg.IdentityFile,
		KnownHostsFile:      cfg.KnownHostsFile,
		Region:              cfg.Region,
		PortWaitTimeout:     cfg.PortWaitTimeout,
		DrainWait:           cfg.DrainWait,
		HealthCommand:       cfg.HealthCommand,
		HealthMarker:        cfg.HealthMarker,
		WaitLoopStopCommand: cfg.WaitLoopStopCommand,
		WaitLoopListCommand: cfg.WaitLoopListCommand,
	}
}
