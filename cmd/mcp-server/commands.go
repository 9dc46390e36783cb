package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jaakkos/codeloom/internal/app"
	"github.com/jaakkos/codeloom/internal/domain"
	"github.com/jaakkos/codeloom/internal/policy"
	"github.com/jaakkos/codeloom/internal/repository"
)

// errPlanFailed makes apply exit non-zero after the result was printed.
var errPlanFailed = errors.New("plan did not apply cleanly")

// newStatusCmd implements "codeloom status": configured workers and the
// most recent journaled plans.
func newStatusCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configured workers and recent plans from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, log.New(cmd.ErrOrStderr(), "", 0))
			if err != nil {
				return err
			}
			pol := policy.New(cfg)
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "workspace: %s\n", pol.WorkspaceRoot())
			descs, err := pol.Descriptors()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "workers (%d):\n", len(descs))
			for _, d := range descs {
				fmt.Fprintf(out, "  %-28s %-6s %s\n", d.Name, d.Protocol, strings.Join(d.Capabilities.Slice(), ","))
			}

			journal, err := repository.NewJournal(pol.StateFile())
			if err != nil {
				return fmt.Errorf("journal: %w", err)
			}
			defer journal.Close()
			plans, err := journal.ListPlans(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "recent plans (%d):\n", len(plans))
			for _, p := range plans {
				state := "ok"
				switch {
				case p.DryRun:
					state = "dry-run"
				case p.RolledBack:
					state = "rolled-back"
				case !p.Success:
					state = "failed"
				}
				fmt.Fprintf(out, "  %s  %-11s %d file(s)  %s\n", p.AppliedAt.Local().Format(time.DateTime), state, len(p.ModifiedFiles), p.Intent)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of plans to show")
	return cmd
}

// newApplyCmd implements "codeloom apply <plan.json>": applies (or previews)
// a plan file without starting the MCP server. "-" reads stdin.
func newApplyCmd(configPath *string) *cobra.Command {
	var dryRun, atomic bool
	cmd := &cobra.Command{
		Use:   "apply <plan.json>",
		Short: "Apply or preview an edit plan file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := readPlan(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			if atomic {
				plan.Atomic = true
			}

			logger := log.New(cmd.ErrOrStderr(), logPrefix, 0)
			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return err
			}
			res, err := applyPlan(cmd.Context(), policy.New(cfg), plan, dryRun, logger)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Success {
				return errPlanFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview as unified diffs without writing")
	cmd.Flags().BoolVar(&atomic, "atomic", false, "restore every touched file if any edit fails")
	return cmd
}

func readPlan(path string, stdin io.Reader) (*domain.EditPlan, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var plan domain.EditPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	return &plan, nil
}

// applyPlan runs one plan through a short-lived runtime so it takes the
// same locks, queue and journal path as the server.
func applyPlan(ctx context.Context, pol *policy.Policy, plan *domain.EditPlan, dryRun bool, logger *log.Logger) (*domain.EditPlanResult, error) {
	journal, err := repository.NewJournal(pol.StateFile())
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	rt, err := app.NewRuntime(pol, journal, log.New(io.Discard, "", 0))
	if err != nil {
		journal.Close()
		return nil, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Stop(stopCtx); err != nil {
			logger.Printf("Warning: runtime stop: %v", err)
		}
	}()
	return rt.ApplyPlan(ctx, plan, dryRun)
}
