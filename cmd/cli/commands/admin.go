package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// MigrateCmd creates the migrate command
func MigrateCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Migrator == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Store %q has no schema to migrate\n", app.Cfg.Store)
				return nil
			}
			if err := app.Migrator.RunMigrations(app.Ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Migrations applied")
			return nil
		},
	}
}

// WatchEventsCmd creates the watchEvents command
func WatchEventsCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watchEvents",
		Short: "Print domain events from the Redis event channel until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Events == nil {
				return fmt.Errorf("no redis configured")
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = app.Ctx
			}
			events, err := app.Events.Subscribe(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Watching events, press Ctrl+C to stop")
			for event := range events {
				var refs []string
				for _, ref := range []struct{ name, id string }{
					{"request", event.RequestID},
					{"offer", event.OfferID},
					{"slot", event.SlotID},
					{"booking", event.BookingID},
					{"donor", event.DonorID},
				} {
					if ref.id != "" {
						refs = append(refs, ref.name+"="+ref.id)
					}
				}
				fmt.Fprintf(out, "%s  %-20s %s\n", event.OccurredAt.Format("15:04:05"), event.Type, strings.Join(refs, " "))
			}
			return nil
		},
	}
}
