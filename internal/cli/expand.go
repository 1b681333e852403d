package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sproutplan/sproutplan/internal/calendar"
	"github.com/sproutplan/sproutplan/internal/planner"
)

func newExpandCmd() *cobra.Command {
	var (
		until        calendar.Date
		steps        int
		subscription string
	)
	cmd := &cobra.Command{
		Use:   "expand",
		Short: "Materialize subscription occurrences up to a horizon",
		Long: "Expand every subscription (or one, with --subscription) up to --until and/or --steps. " +
			"Without either flag the configured lookahead from today is used. Running it twice is harmless.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, _, err := openServer(cmd, nil)
			if err != nil {
				return err
			}
			defer func() { _ = srv.Close() }()

			h := planner.Horizon{Until: until, Steps: steps}
			if h.Until.IsZero() && h.Steps == 0 {
				h = srv.Horizon()
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if subscription != "" {
				res, err := srv.Planner().Expand(ctx, subscription, h)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "Subscription %s: %d occurrence(s) created, next step %d\n",
					res.SubscriptionID, len(res.Created), res.NextStep)
				for _, o := range res.Created {
					_, _ = fmt.Fprintf(out, "  %s  %s\n", o.DeliveryDate, o.ID)
				}
				return nil
			}

			n, err := srv.Planner().ExpandAll(ctx, h)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "%d occurrence(s) created\n", n)
			return nil
		},
	}
	cmd.Flags().Var(&until, "until", "expand up to this delivery date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&steps, "steps", 0, "expand until this many occurrences exist")
	cmd.Flags().StringVar(&subscription, "subscription", "", "expand only this subscription")
	return cmd
}
