package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/incant-go/incant/internal/backend"
	"github.com/incant-go/incant/internal/backend/incus"
	"github.com/incant-go/incant/internal/backend/localssh"
	"github.com/incant-go/incant/internal/config"
	"github.com/incant-go/incant/internal/core"
	gssh "github.com/incant-go/incant/internal/ssh"
	"github.com/incant-go/incant/internal/spec"
	"github.com/incant-go/incant/internal/telemetry"
	"github.com/incant-go/incant/pkg/api"
)

// app is everything a fleet command needs, built from flags and settings.
type app struct {
	settings  core.Settings
	fleet     *spec.Fleet
	backend   backend.Backend
	orch      *core.Orchestrator
	collector *telemetry.Collector
}

func (a *app) Close() {
	a.collector.Log(log.Logger)
	if c, ok := a.backend.(io.Closer); ok {
		_ = c.Close()
	}
}

func loadSettings(cmd *cobra.Command) (core.Settings, error) {
	path, _ := cmd.Flags().GetString("config")
	return core.LoadSettings(path)
}

func loadFleet(cmd *cobra.Command) (*spec.Fleet, error) {
	file, _ := cmd.Flags().GetString("file")
	return config.Load(config.Options{File: file})
}

// resolveApp loads settings and the fleet file, then wires the selected
// backend into an orchestrator.
func resolveApp(cmd *cobra.Command) (*app, error) {
	s, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}
	fleet, err := loadFleet(cmd)
	if err != nil {
		return nil, err
	}
	collector := telemetry.NewCollector(s.Telemetry)
	b, err := newBackend(s, collector)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("backend", b.Name()).Logger()
	orch := core.NewOrchestrator(fleet, core.Options{
		Backend:     b,
		Concurrency: s.Concurrency,
		Readiness:   core.Readiness{Timeout: s.Readiness.Timeout, Interval: s.Readiness.Interval},
		HostKeys:    &gssh.KnownHosts{Path: s.SSH.KnownHosts, Timeout: s.SSH.Timeout},
		Collector:   collector,
		Log:         logger,
	})
	return &app{settings: s, fleet: fleet, backend: b, orch: orch, collector: collector}, nil
}

func newBackend(s core.Settings, collector *telemetry.Collector) (backend.Backend, error) {
	reg := backend.NewRegistry()
	reg.Register(incus.New(s.Incus.Binary, log.Logger, incus.WithCollector(collector)))
	// The SSH key is only needed, and only loaded, when localssh is selected.
	if s.Backend == "localssh" {
		signer, err := gssh.LoadPrivateKeySigner(s.SSH.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("localssh backend: %w", err)
		}
		kh, err := gssh.LoadKnownHostsCallback(s.SSH.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("localssh backend: %w", err)
		}
		ls := localssh.New(localssh.Config{
			Hosts:      s.LocalSSH.Hosts,
			Signer:     signer,
			KnownHosts: kh,
			Timeout:    s.SSH.Timeout,
			Retries:    s.SSH.Retries,
		}, log.Logger)
		ls.Collector = collector
		reg.Register(ls)
	}
	return reg.Get(s.Backend)
}

type fleetOp func(ctx context.Context, names ...string) (*core.Report, error)

// runFleetOp runs op, prints the per-instance summary and journals the run.
// It fails when any instance failed.
func runFleetOp(cmd *cobra.Command, names []string, op api.Operation, pick func(*core.Orchestrator) fleetOp) error {
	a, err := resolveApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	report, err := pick(a.orch)(cmd.Context(), names...)
	if err != nil {
		return err
	}
	printReport(cmd.OutOrStdout(), report)

	run := api.RunSummary{
		Operation: op,
		Backend:   a.backend.Name(),
		StartedAt: start,
		Duration:  time.Since(start),
		Status:    api.RunSucceeded,
		Results:   report.Results(),
	}
	if !report.OK() {
		run.Status = api.RunFailed
	}
	journal(a.settings, a.fleet.Root, run)
	return reportError(report)
}

// reportError summarises failed instances. Their errors are already printed
// under the table.
func reportError(report *core.Report) error {
	failed, skipped := 0, 0
	for _, o := range report.Outcomes() {
		switch o.Status {
		case api.RunSucceeded:
		case api.RunSkipped:
			skipped++
		default:
			failed++
		}
	}
	switch {
	case failed == 0 && skipped == 0:
		return nil
	case skipped == 0:
		return fmt.Errorf("%s: %d instance(s) failed", report.Op, failed)
	}
	return fmt.Errorf("%s: %d instance(s) failed, %d not started", report.Op, failed, skipped)
}

// journal records the run. A journal failure is logged and never fails the command.
func journal(s core.Settings, project string, run api.RunSummary) {
	if s.Journal == "" || s.Journal == "off" {
		return
	}
	store, err := core.NewStore(s.Journal)
	if err != nil {
		log.Warn().Err(err).Msg("Could not open run journal")
		return
	}
	defer store.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := store.RecordRun(ctx, project, run)
	if err != nil {
		log.Warn().Err(err).Msg("Could not record run")
		return
	}
	log.Debug().Str("run", id).Msg("Run recorded")
}

func printReport(w io.Writer, report *core.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tSTATUS\tAPPLIED\tSKIPPED\tTIME")
	for _, o := range report.Outcomes() {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", o.Name, o.Status, o.Applied, o.Skipped, o.Duration.Round(time.Millisecond))
	}
	_ = tw.Flush()
	for _, o := range report.Outcomes() {
		if o.Err != nil && o.Status == api.RunFailed {
			fmt.Fprintf(w, "\n%s: %v\n", o.Name, o.Err)
		}
	}
}

func newUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up [name...]",
		Short: "Create, start and provision instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFleetOp(cmd, args, api.OpUp, func(o *core.Orchestrator) fleetOp { return o.Up })
		},
	}
}

func newProvisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision [name...]",
		Short: "Apply pending provisioning steps to running instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFleetOp(cmd, args, api.OpProvision, func(o *core.Orchestrator) fleetOp { return o.Provision })
		},
	}
}

func newDestroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy [name...]",
		Short: "Force-delete instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFleetOp(cmd, args, api.OpDestroy, func(o *core.Orchestrator) fleetOp { return o.Destroy })
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the backend state of every declared instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			rows := a.orch.List(cmd.Context())
			printStates(cmd.OutOrStdout(), rows)
			for _, r := range rows {
				if r.Error != "" {
					return fmt.Errorf("could not query every instance")
				}
			}
			return nil
		},
	}
}

func printStates(w io.Writer, rows []api.InstanceState) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tREADY\tDETAIL")
	for _, r := range rows {
		detail := r.Detail
		if r.Error != "" {
			detail = r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", r.Name, r.State, r.Ready, detail)
	}
	_ = tw.Flush()
}

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell [name]",
		Short: "Open an interactive shell in an instance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			return a.orch.Shell(cmd.Context(), name)
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write an example incant.yaml in the working directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			path, err := config.WriteExample(afero.NewOsFs(), wd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", path)
			return nil
		},
	}
}

func newDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the resolved fleet file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fleet, err := loadFleet(cmd)
			if err != nil {
				return err
			}
			return config.Dump(cmd.OutOrStdout(), fleet)
		},
	}
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			all, _ := cmd.Flags().GetBool("all")
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if s.Journal == "" || s.Journal == "off" {
				return errors.New("the run journal is disabled in settings")
			}
			var project string
			if !all {
				fleet, err := loadFleet(cmd)
				if err != nil {
					return err
				}
				project = fleet.Root
			}
			store, err := core.NewStore(s.Journal)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.RecentRuns(cmd.Context(), project, limit)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	cmd.Flags().Bool("all", false, "show runs of every project")
	return cmd
}

func printHistory(w io.Writer, runs []api.RunSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tOPERATION\tBACKEND\tSTATUS\tINSTANCES\tTIME")
	for _, r := range runs {
		names := make([]string, 0, len(r.Results))
		for _, res := range r.Results {
			names = append(names, res.Name)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(r.StartedAt), r.Operation, r.Backend, r.Status,
			strings.Join(names, ","), r.Duration.Round(time.Millisecond))
	}
	_ = tw.Flush()
}
