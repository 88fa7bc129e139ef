package commands

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jakechorley/blood-match/pkg/core/model"
	"github.com/jakechorley/blood-match/pkg/core/services"
)

// CreateSlotCmd creates the createSlot command
func CreateSlotCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "createSlot <facility_id> <capacity>",
		Short: "Create a donation slot on a date or a recurring rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			capacity, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("capacity must be a number: %w", err)
			}
			date, _ := cmd.Flags().GetString("date")
			rule, _ := cmd.Flags().GetString("rrule")
			start, _ := cmd.Flags().GetString("start")
			end, _ := cmd.Flags().GetString("end")

			slot, err := app.Slots.CreateSlot(app.Ctx, services.CreateSlotInput{
				FacilityID: args[0],
				Window:     model.SlotWindow{Date: date, Recurrence: rule, StartTime: start, EndTime: end},
				Capacity:   capacity,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Slot %s created (%s, capacity %d)\n", slot.ID, slot.Window, slot.Capacity)
			return nil
		},
	}

	cmd.Flags().String("date", "", "Date of a one-off slot (YYYY-MM-DD)")
	cmd.Flags().String("rrule", "", "Recurrence rule, e.g. FREQ=WEEKLY;BYDAY=SA")
	cmd.Flags().String("start", "09:00", "Start time (HH:MM)")
	cmd.Flags().String("end", "17:00", "End time (HH:MM)")

	return cmd
}

// SeedSlotsCmd creates the seedSlots command
func SeedSlotsCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "seedSlots",
		Short: "Create the standing slots configured for each facility",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			existing, err := app.Slots.ListSlots(app.Ctx)
			if err != nil {
				return err
			}
			type slotKey struct {
				facility string
				window   model.SlotWindow
			}
			have := make(map[slotKey]bool, len(existing))
			for _, s := range existing {
				have[slotKey{s.FacilityID, s.Window}] = true
			}

			out := cmd.OutOrStdout()
			created := 0
			for _, facility := range app.Cfg.Facilities {
				for _, tmpl := range facility.Slots {
					if have[slotKey{facility.ID, tmpl.Window()}] {
						continue
					}
					slot, err := app.Slots.CreateSlot(app.Ctx, services.CreateSlotInput{
						FacilityID: facility.ID,
						Window:     tmpl.Window(),
						Capacity:   tmpl.Capacity,
					})
					if err != nil {
						return fmt.Errorf("failed to create slot for facility %s: %w", facility.ID, err)
					}
					app.Logger.Debug("Slot seeded", zap.String("facility_id", facility.ID), zap.String("slot_id", slot.ID))
					fmt.Fprintf(out, "  ✓ %s %s (capacity %d)\n", facility.ID, slot.Window, slot.Capacity)
					created++
				}
			}
			fmt.Fprintf(out, "%d slot(s) created\n", created)
			return nil
		},
	}
}

// ListSlotsCmd creates the listSlots command
func ListSlotsCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listSlots",
		Short: "List donation slots with their booked counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			facility, _ := cmd.Flags().GetString("facility")

			slots, err := app.Slots.ListSlots(app.Ctx)
			if err != nil {
				return err
			}
			var filtered []model.DonationSlot
			for _, s := range slots {
				if facility == "" || s.FacilityID == facility {
					filtered = append(filtered, s)
				}
			}
			sort.SliceStable(filtered, func(i, j int) bool {
				return filtered[i].FacilityID < filtered[j].FacilityID
			})
			printSlots(cmd.OutOrStdout(), filtered, app.Clock.Now())
			return nil
		},
	}

	cmd.Flags().String("facility", "", "Only list this facility's slots")

	return cmd
}

// BookCmd creates the book command
func BookCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "book <slot_id> <donor_id>",
		Short: "Book a donor into a slot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			requestID, _ := cmd.Flags().GetString("request")

			booking, err := app.Slots.BookForRequest(app.Ctx, args[0], args[1], requestID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n✓ Booked\n\n")
			printBooking(out, booking)
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().String("request", "", "Emergency request the donation is for")

	return cmd
}

// GetBookingCmd creates the getBooking command
func GetBookingCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "getBooking <booking_id>",
		Short: "Show a booking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := app.Slots.GetBooking(app.Ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printBooking(out, &view.Booking)
			if view.NeedsBloodTypeVerification {
				fmt.Fprintln(out, "⚠️  Donor blood type needs verification")
			}
			return nil
		},
	}
}

// bookingCmd builds a command that applies one booking transition
func bookingCmd(app *AppContext, use, short, done string, apply func(id string) (*model.Booking, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <booking_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			booking, err := apply(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Booking %s %s\n", booking.ID, done)
			return nil
		},
	}
}

// CancelBookingCmd creates the cancelBooking command
func CancelBookingCmd(app *AppContext) *cobra.Command {
	return bookingCmd(app, "cancelBooking", "Cancel a booking and free its place", "cancelled",
		func(id string) (*model.Booking, error) { return app.Slots.CancelBooking(app.Ctx, id) })
}

// CompleteBookingCmd creates the completeBooking command
func CompleteBookingCmd(app *AppContext) *cobra.Command {
	return bookingCmd(app, "completeBooking", "Record that the donation took place", "completed",
		func(id string) (*model.Booking, error) { return app.Slots.CompleteBooking(app.Ctx, id) })
}

// NoShowCmd creates the noShow command
func NoShowCmd(app *AppContext) *cobra.Command {
	return bookingCmd(app, "noShow", "Record that the donor did not attend", "marked as no-show",
		func(id string) (*model.Booking, error) { return app.Slots.MarkNoShow(app.Ctx, id) })
}

// RescheduleCmd creates the reschedule command
func RescheduleCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reschedule <booking_id> <new_slot_id>",
		Short: "Move a booking to another slot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			booking, err := app.Slots.Reschedule(app.Ctx, args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n✓ Rescheduled\n\n")
			printBooking(out, booking)
			fmt.Fprintln(out)
			return nil
		},
	}
}

// RecomputeSlotsCmd creates the recomputeSlots command
func RecomputeSlotsCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "recomputeSlots [slot_id]",
		Short: "Rebuild booked counts from bookings (all slots by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var results []services.RecomputeResult
			if len(args) == 1 {
				result, err := app.Slots.Recompute(app.Ctx, args[0])
				if err != nil {
					return err
				}
				results = append(results, *result)
			} else {
				var err error
				results, err = app.Slots.RecomputeAll(app.Ctx)
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			corrected := 0
			for _, r := range results {
				if r.Corrected {
					corrected++
					fmt.Fprintf(out, "  ✓ %s: %d -> %d\n", r.SlotID, r.Previous, r.Actual)
				}
				if r.Overbooked {
					fmt.Fprintf(out, "  ⚠️  %s is overbooked (%d bookings hold a place)\n", r.SlotID, r.Actual)
				}
			}
			fmt.Fprintf(out, "%d slot(s) checked, %d corrected\n", len(results), corrected)
			return nil
		},
	}
}
