package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
	"github.com/tidewater-robotics/plan-engine/internal/plan"
	"github.com/tidewater-robotics/plan-engine/internal/plandir"
	"github.com/tidewater-robotics/plan-engine/internal/store"
)

// newPlanCmd creates the "planengine plan" subcommand with import and list.
func newPlanCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage the plan database",
		Long:  "Import plan files into the plan database and list stored plans.",
	}

	cmd.AddCommand(
		newPlanImportCmd(load),
		newPlanListCmd(load),
	)

	return cmd
}

// newPlanImportCmd creates the "planengine plan import" subcommand.
func newPlanImportCmd(load configLoader) *cobra.Command {
	var skipCheck bool

	cmd := &cobra.Command{
		Use:   "import <file-or-dir>...",
		Short: "Import plan files into the plan database",
		Long:  "Validate YAML or JSON plan files and store them in the plan database.\nDirectories are scanned for plan files.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			db, err := store.NewDB(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			ec := cfg.EngineConfig()
			return runPlanImport(cmd.Context(), cmd.OutOrStdout(), store.NewPlanDB(db), args, ec.SupportedManeuvers, !skipCheck)
		},
	}

	cmd.Flags().BoolVar(&skipCheck, "no-check", false, "store plans without validating them")

	return cmd
}

// runPlanImport loads every plan under paths, validates it against the
// supported maneuver types, and saves it. Invalid files are reported and
// skipped; the error lists how many failed.
func runPlanImport(ctx context.Context, w io.Writer, pdb *store.PlanDB, paths []string, maneuvers []string, check bool) error {
	var entries []plandir.Entry
	failed := 0
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		if info.IsDir() {
			found, errs := plandir.Scan(p)
			for _, e := range errs {
				fmt.Fprintf(w, "skip: %v\n", e)
				failed++
			}
			entries = append(entries, found...)
			continue
		}
		e, err := plandir.LoadFile(p)
		if err != nil {
			fmt.Fprintf(w, "skip: %v\n", err)
			failed++
			continue
		}
		entries = append(entries, e)
	}

	env := domain.PlanEnvironment{Maneuvers: make(map[string]bool, len(maneuvers))}
	for _, m := range maneuvers {
		env.Maneuvers[m] = true
	}
	model := plan.New()

	imported := 0
	for _, e := range entries {
		if check {
			stats, err := model.Parse(e.Spec, offlineEnv(env, e.Spec))
			if err != nil {
				fmt.Fprintf(w, "skip %s: %v\n", e.Path, err)
				failed++
				continue
			}
			fmt.Fprintf(w, "%s: %d maneuvers, ~%s\n", e.Spec.PlanID, stats.ManeuverCount, formatSeconds(stats.EstimatedDuration))
		}
		if err := pdb.SavePlan(ctx, e.Spec); err != nil {
			return fmt.Errorf("save plan %s: %w", e.Spec.PlanID, err)
		}
		imported++
	}

	fmt.Fprintf(w, "imported %d plan(s)\n", imported)
	if failed > 0 {
		return fmt.Errorf("%d plan file(s) failed", failed)
	}
	return nil
}

// newPlanListCmd creates the "planengine plan list" subcommand.
func newPlanListCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			db, err := store.NewDB(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			return runPlanList(cmd.Context(), cmd.OutOrStdout(), store.NewPlanDB(db))
		},
	}
}

func runPlanList(ctx context.Context, w io.Writer, pdb *store.PlanDB) error {
	plans, err := pdb.ListPlans(ctx)
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		fmt.Fprintln(w, "no plans stored")
		return nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("PLAN", "MANEUVERS", "UPDATED", "DESCRIPTION")
	for _, p := range plans {
		t.Row(
			p.PlanID,
			strconv.Itoa(p.ManeuverCount),
			time.Unix(p.UpdatedAtUnix, 0).UTC().Format(time.DateTime),
			p.Description,
		)
	}
	fmt.Fprintln(w, t.Render())
	return nil
}

// offlineEnv adds every payload the plan names to env, since entities are
// only known once a vehicle reports them.
func offlineEnv(env domain.PlanEnvironment, spec *domain.PlanSpec) domain.PlanEnvironment {
	env.Entities = make(map[string]domain.EntityInfo)
	for _, pm := range spec.Maneuvers {
		for _, label := range pm.Payloads {
			env.Entities[label] = domain.EntityInfo{Label: label}
		}
	}
	return env
}

func formatSeconds(s float64) string {
	return (time.Duration(s) * time.Second).String()
}
