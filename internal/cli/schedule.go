package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sproutplan/sproutplan/internal/calendar"
	"github.com/sproutplan/sproutplan/internal/planner"
	"github.com/sproutplan/sproutplan/internal/render"
)

func newScheduleCmd() *cobra.Command {
	var week calendar.Date
	cmd := &cobra.Command{
		Use:       "schedule <delivery|production|transfer>",
		Short:     "Print a weekly schedule as a table",
		Long:      "Print the Monday to Sunday delivery, production or transfer schedule of the week containing --week (default: this week).",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"delivery", "production", "transfer"},
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, cfg, err := openServer(cmd, nil)
			if err != nil {
				return err
			}
			defer func() { _ = srv.Close() }()

			p := srv.Planner()
			ctx := cmd.Context()
			if week.IsZero() {
				week = p.Today()
			}
			start := week.StartOfWeek()

			if cfg.ExpandOnRead() {
				h := srv.Horizon()
				// Production and transfer weeks need deliveries past the week end.
				// Weeks beyond the lookahead print what is already planned.
				if end := start.AddDays(planner.WeekDays - 1 + cfg.Planning.LookaheadDays); !start.After(h.Until) && end.After(h.Until) {
					h.Until = end
				}
				if _, err := p.ExpandAll(ctx, h); err != nil {
					return fmt.Errorf("expand subscriptions: %w", err)
				}
			}

			out := render.New(cmd.OutOrStdout())
			switch args[0] {
			case "delivery":
				w, err := p.DeliverySchedule(ctx, start)
				if err != nil {
					return err
				}
				return out.Delivery(w)
			case "production":
				plan, err := p.ProductionPlan(ctx, start)
				if err != nil {
					return err
				}
				return out.Production(plan.Entries, plan.Totals)
			default:
				plan, err := p.TransferPlan(ctx, start)
				if err != nil {
					return err
				}
				return out.Transfer(plan.Entries, plan.Totals)
			}
		},
	}
	cmd.Flags().Var(&week, "week", "any date in the week to print (YYYY-MM-DD)")
	return cmd
}
