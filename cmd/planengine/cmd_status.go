package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
	"github.com/tidewater-robotics/plan-engine/internal/ipc"
)

// newStatusCmd creates the "planengine status" subcommand.
func newStatusCmd(load configLoader) *cobra.Command {
	var addr string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running engine",
		Long:  "Queries a running engine over HTTP and prints its plan control state.\nOutput is JSON when stdout is not a terminal.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = ":9810"
				if cfg, err := load(); err == nil {
					addr = cfg.ListenAddr
				}
			}
			if !asJSON {
				asJSON = !isTerminal(cmd.OutOrStdout())
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			state, err := fetchState(ctx, ipc.FormatListenURL(addr))
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(state)
			}
			fmt.Fprintln(w, renderState(state))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "engine listen address (default: from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")

	return cmd
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// fetchState reads GET /api/v1/state from the engine at baseURL.
func fetchState(ctx context.Context, baseURL string) (domain.PlanControlState, error) {
	var state domain.PlanControlState

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/state", nil)
	if err != nil {
		return state, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return state, fmt.Errorf("engine not reachable at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr ipc.APIError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
			return state, fmt.Errorf("engine status %d: %s", resp.StatusCode, apiErr.Message)
		}
		return state, fmt.Errorf("engine status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return state, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(12)
	valueStyle = lipgloss.NewStyle().Bold(true)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)
)

func stateColor(s domain.PlanState) lipgloss.Color {
	switch s {
	case domain.StateExecuting:
		return lipgloss.Color("10") // Green
	case domain.StateInitializing:
		return lipgloss.Color("11") // Yellow
	case domain.StateBlocked:
		return lipgloss.Color("9") // Red
	default:
		return lipgloss.Color("14") // Cyan
	}
}

// renderState formats a plan control state as a bordered summary.
func renderState(s domain.PlanControlState) string {
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), valueStyle.Render(value))
	}

	rows := []string{
		row("state", lipgloss.NewStyle().Foreground(stateColor(s.State)).Render(string(s.State))),
	}
	if s.PlanID != "" {
		rows = append(rows, row("plan", s.PlanID))
	}
	if s.ManeuverID != "" {
		rows = append(rows, row("maneuver", fmt.Sprintf("%s (%s)", s.ManeuverID, s.ManeuverType)))
	}
	if s.Progress >= 0 && s.State == domain.StateExecuting {
		rows = append(rows, row("progress", fmt.Sprintf("%.0f%%", s.Progress)))
	}
	if s.ETA > 0 {
		rows = append(rows, row("eta", (time.Duration(s.ETA)*time.Second).String()))
	}
	if s.LastOutcome != "" {
		rows = append(rows, row("outcome", string(s.LastOutcome)))
	}
	if s.LastEvent != "" {
		rows = append(rows, row("last event", s.LastEvent))
	}

	return boxStyle.Render(strings.Join(rows, "\n"))
}
