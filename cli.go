package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"gopkg.in/yaml.v3"

	"github.com/gluk-w/smssh/internal/config"
	"github.com/gluk-w/smssh/internal/console"
	"github.com/gluk-w/smssh/internal/fleet"
	"github.com/gluk-w/smssh/internal/reaper"
	"github.com/gluk-w/smssh/internal/registry"
	"github.com/gluk-w/smssh/internal/resolver"
	"github.com/gluk-w/smssh/internal/tunnel"
)

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet("smssh "+name, flag.ExitOnError)
}

// queryFlags are shared by the commands that resolve a resource.
type queryFlags struct {
	kind      *string
	name      *string
	arnFilter *string
	domain    *string
	user      *string
	notBefore *int64
}

func addQueryFlags(fs *flag.FlagSet) queryFlags {
	return queryFlags{
		kind:      fs.String("kind", "training", "resource kind: training, processing, transform, app, notebook, endpoint"),
		name:      fs.String("name", "", "resource name"),
		arnFilter: fs.String("arn-filter", "", "regular expression the resource ARN must match"),
		domain:    fs.String("domain", "", "Studio domain id (app kind)"),
		user:      fs.String("user", "", "Studio user profile or space (app kind)"),
		notBefore: fs.Int64("not-before", 0, "ignore registrations older than this Unix timestamp"),
	}
}

func (f queryFlags) query() (resolver.Query, error) {
	kind, err := fleet.ParseKind(*f.kind)
	if err != nil {
		return resolver.Query{}, err
	}
	if *f.name == "" {
		return resolver.Query{}, errors.New("-name is required")
	}
	if kind == fleet.KindApp && *f.user != "" {
		q := resolver.StudioAppQuery(*f.domain, *f.user, *f.name)
		q.NotBefore = *f.notBefore
		return q, nil
	}
	return resolver.Query{Kind: kind, Name: *f.name, ARNFilter: *f.arnFilter, NotBefore: *f.notBefore}, nil
}

func fail(format string, args ...interface{}) int {
	fmt.Fprintf(os.Stderr, "smssh: "+format+"\n", args...)
	return 1
}

func runResolve(args []string) int {
	fs := newFlagSet("resolve")
	qf := addQueryFlags(fs)
	expected := fs.Int("expected", 1, "number of instances to wait for")
	timeout := fs.Duration("timeout", -1, "wait budget (default SMSSH_RESOLVE_TIMEOUT, 0 for a single scan)")
	fs.Parse(args)

	q, err := qf.query()
	if err != nil {
		return fail("%v", err)
	}
	config.Load()
	if *timeout < 0 {
		*timeout = config.Cfg.ResolveTimeout
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ids []string
	region := config.Cfg.Region
	if q.Kind.RegistryResolvable() {
		reg, err := registry.NewFromRegion(ctx, config.Cfg.Region)
		if err != nil {
			return fail("%v", err)
		}
		region = reg.Region()
		res := resolver.New(reg)
		res.Policy = policyFrom(config.Cfg)
		ids, err = res.Resolve(ctx, q, *timeout, *expected)
		if err != nil {
			return fail("%v", err)
		}
	} else {
		log.Printf("%s is not tracked in the registry, searching its logs", q.Kind)
		ids, err = instanceIDsFromLogs(ctx, q.Kind, q.Name, *timeout, *expected)
		if err != nil {
			return fail("%v", err)
		}
	}
	if len(ids) == 0 {
		fmt.Fprintf(os.Stderr, "no instance registered for %s\n%s\n", q, console.Hint(region, q.Kind, q.Name))
		return 1
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return 0
}

func runLogsResolve(args []string) int {
	fs := newFlagSet("logs-resolve")
	kind := fs.String("kind", "training", "resource kind")
	name := fs.String("name", "", "resource name")
	expected := fs.Int("expected", 1, "number of instances to wait for")
	timeout := fs.Duration("timeout", 0, "wait budget (0 for a single query)")
	ips := fs.Bool("ips", false, "print the IP addresses a training job logged instead")
	fs.Parse(args)

	k, err := fleet.ParseKind(*kind)
	if err != nil {
		return fail("%v", err)
	}
	if *name == "" {
		return fail("-name is required")
	}
	config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var out []string
	if *ips {
		logs, lerr := newLogQuery(ctx, config.Cfg)
		if lerr != nil {
			return fail("%v", lerr)
		}
		out, err = logs.IPAddresses(ctx, *name)
	} else {
		out, err = instanceIDsFromLogs(ctx, k, *name, *timeout, *expected)
	}
	if err != nil {
		return fail("%v", err)
	}
	if len(out) == 0 {
		fmt.Fprintf(os.Stderr, "nothing found\n%s\n", console.Hint(config.Cfg.Region, k, *name))
		return 1
	}
	for _, line := range out {
		fmt.Println(line)
	}
	return 0
}

// instanceIDsFromLogs finds the instance ids a resource logged on
// registration.
func instanceIDsFromLogs(ctx context.Context, k fleet.ResourceKind, name string, timeout time.Duration, expected int) ([]string, error) {
	loc, ok := fleet.LogLocationFor(k, name)
	if !ok {
		return nil, fmt.Errorf("%s resources do not log their registration", k)
	}
	logs, err := newLogQuery(ctx, config.Cfg)
	if err != nil {
		return nil, err
	}
	return logs.InstanceIDs(ctx, loc, timeout, expected)
}

func runList(args []string, w io.Writer) int {
	fs := newFlagSet("list")
	format := fs.String("o", "table", "output format: table, json or yaml")
	kind := fs.String("kind", "", "only this resource kind")
	all := fs.Bool("all", false, "include instances not registered by the SSH agent")
	fs.Parse(args)

	filter := fleet.KindUnknown
	if *kind != "" {
		k, err := fleet.ParseKind(*kind)
		if err != nil {
			return fail("%v", err)
		}
		filter = k
	}
	config.Load()

	ctx := context.Background()
	reg, err := registry.NewFromRegion(ctx, config.Cfg.Region)
	if err != nil {
		return fail("%v", err)
	}
	snapshot, err := reg.ListAll(ctx)
	if err != nil {
		return fail("%v", err)
	}

	var records []fleet.Record
	for _, id := range registry.SortedIDs(snapshot) {
		rec := snapshot[id]
		if !*all && !rec.IsSSHManaged() {
			continue
		}
		if filter != fleet.KindUnknown && rec.Kind() != filter {
			continue
		}
		records = append(records, rec)
	}
	fleet.SortNewestFirst(records)

	if err := printRecords(w, records, *format, time.Now()); err != nil {
		return fail("%v", err)
	}
	return 0
}

// printRecords renders records as a table with ages relative to now, or as
// JSON or YAML.
func printRecords(w io.Writer, records []fleet.Record, format string, now time.Time) error {
	if records == nil {
		records = []fleet.Record{}
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(records)
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	table := uitable.New()
	table.MaxColWidth = 60
	table.Wrap = true
	table.AddRow("ID", "KIND", "NAME", "STATUS", "REGISTERED", "LAST PING")
	for _, rec := range records {
		table.AddRow(rec.ID, kindLabel(rec), rec.ResourceName, rec.PingStatus,
			relTime(rec.RegisteredAt(), now), relTime(rec.LastPing, now))
	}
	_, err := fmt.Fprintln(w, table)
	return err
}

func kindLabel(rec fleet.Record) string {
	if k := rec.Kind(); k != fleet.KindUnknown {
		return k.String()
	}
	return "-"
}

func relTime(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func runConnect(args []string) int {
	fs := newFlagSet("connect")
	instanceID := fs.String("instance", "", "managed instance id (skips resolution; -kind and -name then only describe it)")
	qf := addQueryFlags(fs)
	timeout := fs.Duration("timeout", -1, "resolution wait budget (default SMSSH_RESOLVE_TIMEOUT)")
	port := fs.Int("port", 0, "local port (0 picks a free one)")
	extra := fs.String("extra-args", "", "additional forwarder arguments, e.g. \"-R localhost:5678:localhost:5678\"")
	stopWaitLoop := fs.Bool("terminate-wait-loop", false, "stop the remote wait loop so the job can finish")
	fs.Parse(args)
	command := strings.Join(fs.Args(), " ")

	req := tunnel.OpenRequest{
		InstanceID:        *instanceID,
		LocalPort:         *port,
		ExtraArgs:         strings.Fields(*extra),
		TerminateWaitLoop: *stopWaitLoop,
	}
	if req.InstanceID == "" || *qf.name != "" {
		q, err := qf.query()
		if err != nil {
			return fail("%v", err)
		}
		req.Query = &q
	}
	config.Load()
	req.ResolveTimeout = *timeout
	if req.ResolveTimeout < 0 {
		req.ResolveTimeout = config.Cfg.ResolveTimeout
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := registry.NewFromRegion(ctx, config.Cfg.Region)
	if err != nil {
		return fail("%v", err)
	}
	res := resolver.New(reg)
	res.Policy = policyFrom(config.Cfg)
	mgr := tunnel.NewManager(tunnelConfig(config.Cfg), res, nil)
	defer mgr.CloseAll()

	info, err := mgr.Open(ctx, req)
	if err != nil {
		return fail("%v", err)
	}
	s, _ := mgr.Get(info.ID)

	if command == "" {
		fmt.Printf("Tunnel to %s is up. Connect with:\n  ssh -p %d %s@localhost\nPress Ctrl+C to close.\n",
			info.InstanceID, info.LocalPort, config.Cfg.SSHUser)
		<-ctx.Done()
		return 0
	}

	code, err := s.Proxy.RunCommand(ctx, command)
	if err != nil {
		return fail("%v", err)
	}
	return code
}

func runReap(args []string, in io.Reader, w io.Writer) int {
	fs := newFlagSet("reap")
	days := fs.Int("days", -1, "minimum offline age in days (default SMSSH_REAPER_AGE_DAYS)")
	dryRun := fs.Bool("dry-run", false, "only list what would be deregistered")
	yes := fs.Bool("yes", false, "do not ask for confirmation")
	computerName := fs.String("computer-name", "", "only hosts whose name matches this pattern")
	iamRole := fs.String("iam-role", "", "only hosts whose IAM role matches this pattern")
	requireOwner := fs.Bool("require-owner", false, "only hosts with the SSHOwner tag")
	helperOnly := fs.Bool("training-hosts", false, "only training hosts with a SageMaker role and owner tag")
	fs.Parse(args)

	sel := reaper.Selector{RequireOwnerTag: *requireOwner}
	if *helperOnly {
		sel = reaper.DefaultSelector()
	}
	for _, p := range []struct {
		expr string
		dst  **regexp.Regexp
	}{{*computerName, &sel.ComputerName}, {*iamRole, &sel.IAMRole}} {
		if p.expr == "" {
			continue
		}
		re, err := reaper.Pattern(p.expr)
		if err != nil {
			return fail("%v", err)
		}
		*p.dst = re
	}

	config.Load()
	if *days < 0 {
		*days = config.Cfg.ReaperAgeDays
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := registry.NewFromRegion(ctx, config.Cfg.Region)
	if err != nil {
		return fail("%v", err)
	}
	rp := reaper.New(reg)
	rp.Selector = sel

	records, err := rp.ExpiredRecords(ctx, *days)
	if err != nil {
		return fail("%v", err)
	}
	if err := printRecords(w, records, "table", time.Now()); err != nil {
		return fail("%v", err)
	}
	fmt.Fprintf(w, "%d instance(s) offline for more than %d day(s)\n", len(records), *days)
	if len(records) == 0 || *dryRun {
		return 0
	}
	if !*yes && !confirm(in, w, len(records)) {
		fmt.Fprintln(w, "Aborted.")
		return 1
	}

	res, err := rp.DeregisterBatch(ctx, fleet.IDs(records))
	fmt.Fprintf(w, "Deregistered %d of %d instances.\n", res.Deregistered, res.Requested)
	if err != nil {
		log.Printf("[reaper] %v", err)
		return 1
	}
	return 0
}

func confirm(in io.Reader, w io.Writer, n int) bool {
	fmt.Fprintf(w, "Do you want to deregister these %d instances? (y/n) ", n)
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func runConsoleURL(args []string, w io.Writer) int {
	fs := newFlagSet("console-url")
	kind := fs.String("kind", "training", "resource kind")
	name := fs.String("name", "", "resource name")
	region := fs.String("region", "", "AWS region (default SMSSH_REGION)")
	domain := fs.String("domain", "", "Studio domain id (app kind)")
	user := fs.String("user", "", "Studio user profile or space (app kind)")
	appType := fs.String("app-type", "KernelGateway", "Studio app type (app kind)")
	space := fs.Bool("space", false, "-user names a shared space rather than a user profile")
	fs.Parse(args)

	k, err := fleet.ParseKind(*kind)
	if err != nil {
		return fail("%v", err)
	}
	if *name == "" {
		return fail("-name is required")
	}
	if *region == "" {
		config.Load()
		*region = config.Cfg.Region
	}
	if *region == "" {
		return fail("no region: pass -region or set SMSSH_REGION")
	}

	var logsURL, metaURL string
	if k == fleet.KindApp && *domain != "" && *user != "" {
		logsURL = console.StudioLogsURL(*region, *domain, *user, *appType, *name)
		metaURL = console.StudioMetadataURL(*region, *domain, *user, !*space)
	} else {
		logsURL = console.LogsURL(*region, k, *name)
		metaURL = console.MetadataURL(*region, k, *name)
	}
	if logsURL == "" && metaURL == "" {
		return fail("no console pages for %s resources", k)
	}
	if logsURL != "" {
		fmt.Fprintf(w, "logs:     %s\n", logsURL)
	}
	if metaURL != "" {
		fmt.Fprintf(w, "metadata: %s\n", metaURL)
	}
	return 0
}
