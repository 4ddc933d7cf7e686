// Package main is the CLI entry point for ipguard.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/ipguard/internal/daemon"
	"github.com/eliteGoblin/focusd/ipguard/internal/domain"
	"github.com/eliteGoblin/focusd/ipguard/internal/gate"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ipguard",
	Short: "IP access decisions with progressive penalties",
	Long: `ipguard decides whether a client address is allowed, temporarily denied
or permanently denied. Repeated hits from a denied address escalate it:
temporary denies become permanent, and permanent denies are queued for the
system firewall agent.`,
	Version:      Version,
	SilenceUsage: true,
}

var checkCmd = &cobra.Command{
	Use:   "check <ip>",
	Short: "Evaluate one access attempt",
	Long: `Runs a single evaluation for the address, exactly as the gate server does
for each request. Counters are updated and escalations fire.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Inspect or edit stored enforcement records",
}

var ruleGetCmd = &cobra.Command{
	Use:   "get <ip>",
	Short: "Show the stored record for an address",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuleGet,
}

var ruleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every stored record",
	Args:  cobra.NoArgs,
	RunE:  runRuleList,
}

var ruleSetCmd = &cobra.Command{
	Use:   "set <ip>",
	Short: "Create or replace the record for an address",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuleSet,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gate server",
	Long: `Serves /v1/check for subrequest-style access checks and gates every other
path, proxying allowed requests to server.upstream when configured.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath string
	debug      bool
	jsonOutput bool

	ruleType     string
	ruleAttempts int
	ruleReason   string
	ruleHost     string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: search ipguard.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable development logging")

	checkCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	ruleListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output records as JSON")

	ruleSetCmd.Flags().StringVar(&ruleType, "type", "temp_deny", "Rule type (allow, temp_deny, deny)")
	ruleSetCmd.Flags().IntVar(&ruleAttempts, "attempts", 0, "Initial attempt counter")
	ruleSetCmd.Flags().StringVar(&ruleReason, "reason", "", "Reason recorded with the rule")
	ruleSetCmd.Flags().StringVar(&ruleHost, "host", "", "Resolved hostname recorded with the rule")

	ruleCmd.AddCommand(ruleGetCmd)
	ruleCmd.AddCommand(ruleListCmd)
	ruleCmd.AddCommand(ruleSetCmd)

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(ruleCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath, debug)
	if err != nil {
		return err
	}
	defer a.Close()

	ip := strings.TrimSpace(args[0])
	result, evalErr := a.evaluator.Evaluate(ctx, ip)
	allowed := evalErr == nil && !result.Verdict.Rejects()
	resp := gate.NewCheckResponse(ip, result, allowed)

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
		return evalErr
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ip:       %s\n", resp.IP)
	fmt.Fprintf(out, "verdict:  %s\n", resp.Verdict)
	fmt.Fprintf(out, "allowed:  %t\n", resp.Allowed)
	fmt.Fprintf(out, "attempts: %d\n", resp.Attempts)
	fmt.Fprintf(out, "tier:     %s\n", resp.Tier)
	for _, e := range resp.Errors {
		fmt.Fprintf(out, "error:    %s\n", e)
	}
	return evalErr
}

func runRuleGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath, debug)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.store.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to read record: %w", err)
	}
	if rec == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "no rule for %s\n", args[0])
		return nil
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func runRuleList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath, debug)
	if err != nil {
		return err
	}
	defer a.Close()

	lister, ok := a.store.(domain.RecordLister)
	if !ok {
		return fmt.Errorf("storage driver %q cannot list records", a.cfg.Storage.Driver)
	}
	all, err := lister.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}

	ips := make([]string, 0, len(all))
	for ip := range all {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	out := cmd.OutOrStdout()
	if jsonOutput {
		records := make([]domain.EnforcementRecord, 0, len(ips))
		for _, ip := range ips {
			records = append(records, all[ip])
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	for _, ip := range ips {
		rec := all[ip]
		fmt.Fprintf(out, "%-39s %-9s %4d  %s  %s\n",
			ip, rec.Type, rec.Attempts, rec.LastEvaluatedAt.Format(time.RFC3339), rec.Reason)
	}
	fmt.Fprintf(out, "%d record(s)\n", len(ips))
	return nil
}

func runRuleSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	t, err := domain.ParseRuleType(ruleType)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, configPath, debug)
	if err != nil {
		return err
	}
	defer a.Close()

	ip := strings.TrimSpace(args[0])
	rec := domain.EnforcementRecord{
		Identifier:      ip,
		Type:            t,
		Attempts:        ruleAttempts,
		LastEvaluatedAt: time.Now(),
		Reason:          ruleReason,
		ResolvedHost:    ruleHost,
		RawAddress:      ip,
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := a.store.Save(ctx, ip, rec); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}

	a.logger.Info("rule saved",
		zap.String("ip", ip),
		zap.String("type", t.String()),
		zap.Int("attempts", ruleAttempts))
	fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", ip, t)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := daemon.WithShutdownSignals(cmd.Context())
	defer stop()

	a, err := newApp(ctx, configPath, debug)
	if err != nil {
		return err
	}
	defer a.Close()

	stats := &gate.Stats{}
	handler, err := daemon.NewHandler(gate.Options{
		Evaluator:          a.evaluator,
		KeyHeader:          a.cfg.Server.KeyHeader,
		TrustXForwardedFor: a.cfg.Server.TrustXForwardedFor,
		Stats:              stats,
		Logger:             a.logger,
	}, a.cfg.Server.Upstream)
	if err != nil {
		return err
	}

	srv := daemon.NewServer(daemon.ServerConfig{
		Addr:            a.cfg.Server.Addr,
		StatusInterval:  a.cfg.Server.StatusInterval,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
	}, handler, stats, a.logger)
	return srv.Run(ctx)
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("ipguard %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
