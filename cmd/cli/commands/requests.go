package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jakechorley/blood-match/pkg/core/services"
)

// SubmitRequestCmd creates the submitRequest command
func SubmitRequestCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submitRequest <requester_id> <blood_type> <units>",
		Short: "Submit an emergency blood request and rank nearby donors",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			units, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("units must be a number: %w", err)
			}
			location, err := locationFlag(cmd)
			if err != nil {
				return err
			}
			urgency, _ := cmd.Flags().GetString("urgency")
			hospital, _ := cmd.Flags().GetString("hospital")
			address, _ := cmd.Flags().GetString("address")

			result, err := app.Coordinator.SubmitRequest(app.Ctx, services.NewRequestInput{
				RequesterID:   args[0],
				BloodType:     args[1],
				UnitsRequired: units,
				Urgency:       urgency,
				HospitalName:  hospital,
				Address:       address,
				Location:      location,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n✓ Request submitted\n\n")
			printRequest(out, result.Request)
			fmt.Fprintln(out)
			printCandidates(out, result.Candidates)
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().String("urgency", "normal", "Urgency: normal, urgent or critical")
	cmd.Flags().String("hospital", "", "Hospital name")
	cmd.Flags().String("address", "", "Hospital address, geocoded unless --lat/--lng are given")
	addLocationFlags(cmd)

	return cmd
}

// RankDonorsCmd creates the rankDonors command
func RankDonorsCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rankDonors <request_id>",
		Short: "List eligible donors for a request, nearest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			candidates, err := app.Coordinator.RankDonors(app.Ctx, args[0])
			if err != nil {
				return err
			}
			printCandidates(cmd.OutOrStdout(), candidates)
			return nil
		},
	}
}

// SubmitOfferCmd creates the submitOffer command
func SubmitOfferCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "submitOffer <request_id> <donor_id>",
		Short: "Record a donor's offer to donate for a request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			offer, err := app.Coordinator.SubmitOffer(app.Ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Offer %s submitted by donor %s\n", offer.ID, offer.DonorID)
			return nil
		},
	}
}

// AcceptOfferCmd creates the acceptOffer command
func AcceptOfferCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acceptOffer <offer_id>",
		Short: "Accept an offer, reject the request's other offers and optionally book a slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slotID, _ := cmd.Flags().GetString("slot")

			result, err := app.Coordinator.AcceptOffer(app.Ctx, args[0], services.AcceptOptions{SlotID: slotID})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n✓ Offer %s accepted\n\n", result.Offer.ID)
			printRequest(out, result.Request)
			printOffers(out, "Rejected offers", result.Rejected)
			if result.Superseded != nil {
				fmt.Fprintf(out, "Replaced offer %s from donor %s\n", result.Superseded.ID, result.Superseded.DonorID)
			}
			if result.Booking != nil {
				fmt.Fprintln(out)
				printBooking(out, result.Booking)
			}

			// The accept stands even when a follow-up step failed
			if result.RejectErr != nil {
				app.Logger.Warn("Failed to reject competing offers", zap.String("offer_id", result.Offer.ID), zap.Error(result.RejectErr))
				fmt.Fprintf(out, "⚠️  Some competing offers are still pending: %v\n", result.RejectErr)
			}
			if result.BookingErr != nil {
				fmt.Fprintf(out, "⚠️  Booking slot %s failed: %v\n", slotID, result.BookingErr)
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().String("slot", "", "Book the accepted donor into this slot")

	return cmd
}

// DeclineOfferCmd creates the declineOffer command
func DeclineOfferCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "declineOffer <offer_id>",
		Short: "Withdraw a donor's pending offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			offer, err := app.Coordinator.DeclineOffer(app.Ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Offer %s declined\n", offer.ID)
			return nil
		},
	}
}

// CancelRequestCmd creates the cancelRequest command
func CancelRequestCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancelRequest <request_id>",
		Short: "Cancel a request and reject its pending offers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := app.Coordinator.CancelRequest(app.Ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Request %s cancelled\n", result.Request.ID)
			printOffers(out, "Rejected offers", result.Rejected)
			return nil
		},
	}
}

// ConfirmFulfilmentCmd creates the confirmFulfilment command
func ConfirmFulfilmentCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "confirmFulfilment <request_id>",
		Short: "Mark an in-progress request as fulfilled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := app.Coordinator.ConfirmFulfilment(app.Ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Request %s fulfilled by donor %s\n", req.ID, req.AcceptedDonorID)
			return nil
		},
	}
}
