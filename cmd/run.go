package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"sshupdater/internal/engine"
	"sshupdater/internal/inventory"
)

var (
	runHostNames   []string
	runTag         string
	runConcurrency int
	runTimeout     time.Duration
	runYes         bool
)

func init() {
	ops := []struct {
		op    engine.Operation
		short string
		long  string
	}{
		{engine.OpCheck, "Count pending updates on each host",
			"Query each host's package manager for pending updates without changing anything."},
		{engine.OpSimulate, "Dry-run a full upgrade on each host",
			"Run the package manager in simulation mode and report what an upgrade would change."},
		{engine.OpUpgrade, "Apply all pending updates on each host",
			"Run a full package upgrade on every targeted host. Requires --yes."},
		{engine.OpClean, "Remove no-longer-needed packages on each host",
			"Run the package manager's autoremove/orphan cleanup. Requires --yes."},
		{engine.OpReboot, "Reboot each host",
			"Trigger a reboot on every targeted host (fire-and-forget). Requires --yes."},
	}

	for _, o := range ops {
		op := o.op
		cmd := &cobra.Command{
			Use:   op.String(),
			Short: o.short,
			Long:  o.long,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runFleet(op)
			},
		}
		cmd.Flags().StringSliceVar(&runHostNames, "hosts", nil, "host names to target (comma-separated, default: all)")
		cmd.Flags().StringVar(&runTag, "tag", "", "only target hosts carrying this tag")
		cmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "max parallel hosts (0 = config default)")
		cmd.Flags().DurationVar(&runTimeout, "timeout", 0, "per-host command timeout (0 = per-operation default)")
		cmd.Flags().BoolVar(&runYes, "yes", false, "confirm operations that change remote hosts")
		rootCmd.AddCommand(cmd)
	}
}

func runFleet(op engine.Operation) error {
	if op.Mutating() && !runYes {
		fmt.Fprintf(os.Stderr, "WARNING: %q changes remote hosts.\n", op)
		return fmt.Errorf("pass --yes to proceed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := initStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open inventory: %w", err)
	}
	records, err := selectHosts(ctx, store, runHostNames, runTag)
	closeErr := store.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	v, err := unlockVaultIfNeeded(records)
	if err != nil {
		return err
	}

	fl, err := initFleet(cfg, log, v)
	if err != nil {
		return fmt.Errorf("failed to initialize fleet engine: %w", err)
	}
	defer func() { _ = fl.Store.Close() }()

	hosts := make([]engine.Host, len(records))
	for i, rec := range records {
		hosts[i] = rec.EngineHost()
	}

	opts := engine.RunOptions{
		MaxConcurrency: cfg.Fleet.Workers,
		ConnectTimeout: time.Duration(cfg.SSH.ConnectTimeout) * time.Second,
		ExecTimeout:    time.Duration(cfg.Fleet.CommandTimeout) * time.Second,
	}
	if runConcurrency > 0 {
		opts.MaxConcurrency = runConcurrency
	}
	if runTimeout > 0 {
		opts.ExecTimeout = runTimeout
	}

	log.Info("Starting fleet run",
		"operation", op.String(),
		"hosts", len(hosts),
		"concurrency", opts.MaxConcurrency,
	)

	results, err := fl.Orchestrator.Run(ctx, hosts, op, opts)
	if err != nil {
		return fmt.Errorf("fleet run failed: %w", err)
	}

	total := len(hosts)
	fl.Aggregator.Reset()
	all := fl.Aggregator.Collect(results, func(r engine.HostResult, s engine.Summary) {
		fmt.Printf("[%d/%d] %-24s %-12s %s\n", s.Completed, total, r.HostName, r.Status, resultDetail(r))
	})

	runID := uuid.NewString()
	if err := recordRun(context.Background(), fl.Store, runID, op, all); err != nil {
		log.Warn("Failed to record run logs", "error", err)
	}

	summary := fl.Aggregator.Summary()
	printSummary(op, summary)

	if bad := total - summary.Succeeded; bad > 0 {
		return fmt.Errorf("%d of %d hosts did not succeed", bad, total)
	}
	return nil
}

// selectHosts resolves the --hosts/--tag selection against the inventory.
func selectHosts(ctx context.Context, store inventory.Store, names []string, tag string) ([]inventory.HostRecord, error) {
	records, err := store.ListHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}

	if len(names) > 0 {
		byName := make(map[string]inventory.HostRecord, len(records))
		for _, rec := range records {
			byName[rec.Name] = rec
		}
		selected := make([]inventory.HostRecord, 0, len(names))
		for _, name := range names {
			rec, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("unknown host %q", name)
			}
			selected = append(selected, rec)
		}
		records = selected
	}

	if tag != "" {
		var tagged []inventory.HostRecord
		for _, rec := range records {
			if rec.EngineHost().HasTag(tag) {
				tagged = append(tagged, rec)
			}
		}
		records = tagged
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("no hosts selected (add hosts with 'sshup hosts add')")
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

func resultDetail(r engine.HostResult) string {
	if r.Status != engine.StatusSucceeded {
		return r.Err
	}
	var detail string
	switch r.Operation {
	case engine.OpCheck, engine.OpSimulate:
		detail = strconv.Itoa(r.Delta.ToUpgrade) + " updates pending"
	case engine.OpUpgrade:
		detail = strconv.Itoa(r.Delta.Upgraded) + " upgraded"
	case engine.OpClean:
		detail = strconv.Itoa(r.Delta.Removed) + " removed"
	case engine.OpReboot:
		detail = "reboot triggered"
	}
	if r.RebootRequired {
		detail += " (reboot required)"
	}
	return detail
}

// recordRun writes one log row per result and refreshes the check columns.
func recordRun(ctx context.Context, store inventory.Store, runID string, op engine.Operation, results []engine.HostResult) error {
	var firstErr error
	for _, r := range results {
		hostID, err := strconv.ParseInt(r.HostID, 10, 64)
		if err != nil {
			continue // synthetic host, nothing to record
		}
		err = store.AppendLog(ctx, inventory.RunLog{
			RunID:     runID,
			HostID:    hostID,
			Timestamp: r.FinishedAt,
			Operation: op.String(),
			Status:    string(r.Status),
			Summary:   resultDetail(r),
			Excerpt:   r.LogExcerpt,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}

		if r.Status == engine.StatusSucceeded && (op == engine.OpCheck || op == engine.OpSimulate) {
			if err := store.RecordCheck(ctx, hostID, r.FinishedAt, r.Delta.ToUpgrade); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func printSummary(op engine.Operation, s engine.Summary) {
	fmt.Println()
	fmt.Printf("Fleet %s complete: %d hosts\n", op, s.Completed)
	fmt.Printf("  succeeded:   %d\n", s.Succeeded)
	fmt.Printf("  failed:      %d\n", s.Failed)
	fmt.Printf("  offline:     %d\n", s.Offline)
	fmt.Printf("  auth failed: %d\n", s.AuthFailed)
	fmt.Printf("  timed out:   %d\n", s.TimedOut)
	if s.Cancelled > 0 {
		fmt.Printf("  cancelled:   %d\n", s.Cancelled)
	}
	switch op {
	case engine.OpCheck, engine.OpSimulate:
		fmt.Printf("  pending updates: %d across %d hosts\n", s.TotalPendingUpgrades, s.HostsWithUpgrades)
	case engine.OpUpgrade:
		fmt.Printf("  packages upgraded: %d\n", s.TotalUpgraded)
	case engine.OpClean:
		fmt.Printf("  packages removed: %d\n", s.TotalRemoved)
	}
	if s.HostsNeedingReboot > 0 {
		fmt.Printf("  hosts needing reboot: %d\n", s.HostsNeedingReboot)
	}
}
