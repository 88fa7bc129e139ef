package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jakechorley/blood-match/pkg/clients/sheetsclient"
	"github.com/jakechorley/blood-match/pkg/core/services"
)

// RegisterDonorCmd creates the registerDonor command
func RegisterDonorCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registerDonor <first_name> [last_name]",
		Short: "Register a donor",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			location, err := locationFlag(cmd)
			if err != nil {
				return err
			}
			input := services.DonorInput{FirstName: args[0], Location: location}
			if len(args) > 1 {
				input.LastName = args[1]
			}
			input.ID, _ = cmd.Flags().GetString("id")
			input.Email, _ = cmd.Flags().GetString("email")
			input.Phone, _ = cmd.Flags().GetString("phone")
			input.BloodType, _ = cmd.Flags().GetString("blood-type")
			input.Address, _ = cmd.Flags().GetString("address")
			unavailable, _ := cmd.Flags().GetBool("unavailable")
			input.Available = !unavailable

			donor, err := app.Donors.RegisterDonor(app.Ctx, input)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Donor %s registered (%s)\n", donor.ID, fullName(*donor))
			if donor.BloodType == "" {
				fmt.Fprintln(out, "  Blood type not yet verified")
			}
			if donor.Location == nil {
				fmt.Fprintln(out, "  No location: donor will not be matched until one is set")
			}
			return nil
		},
	}

	cmd.Flags().String("id", "", "Donor id (generated when empty)")
	cmd.Flags().String("email", "", "Email address")
	cmd.Flags().String("phone", "", "Phone number")
	cmd.Flags().String("blood-type", "", "Verified blood type, e.g. O-")
	cmd.Flags().String("address", "", "Home address, geocoded unless --lat/--lng are given")
	cmd.Flags().Bool("unavailable", false, "Register the donor as unavailable")
	addLocationFlags(cmd)

	return cmd
}

// VerifyBloodTypeCmd creates the verifyBloodType command
func VerifyBloodTypeCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "verifyBloodType <donor_id> <blood_type>",
		Short: "Record a donor's lab-verified blood type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			donor, err := app.Donors.VerifyBloodType(app.Ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Donor %s verified as %s\n", donor.ID, donor.BloodType)
			return nil
		},
	}
}

// SetAvailabilityCmd creates the setAvailability command
func SetAvailabilityCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "setAvailability <donor_id> <true|false>",
		Short: "Mark a donor available or unavailable for matching",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			available, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("availability must be true or false: %w", err)
			}
			donor, err := app.Donors.SetDonorAvailability(app.Ctx, args[0], available)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Donor %s available: %t\n", donor.ID, donor.Available)
			return nil
		},
	}
}

// ImportDonorsCmd creates the importDonors command
func ImportDonorsCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "importDonors",
		Short: "Create or update donors from the donor registry sheet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.DonorSheet == nil || app.Cfg.DonorSheet == nil {
				return fmt.Errorf("no donorSheet configured")
			}

			rows, err := sheetsclient.ListDonors(app.Ctx, app.DonorSheet, app.Cfg.DonorSheet.SheetID, app.Cfg.DonorSheet.Tab)
			if err != nil {
				return fmt.Errorf("failed to list donors: %w", err)
			}
			app.Logger.Info("Donor rows fetched", zap.Int("count", len(rows)))

			inputs := make([]services.DonorInput, 0, len(rows))
			for _, row := range rows {
				inputs = append(inputs, donorInputFromRow(row))
			}

			result, err := app.Donors.ImportDonors(app.Ctx, inputs)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n✓ Import complete: %d created, %d updated\n", result.Created, result.Updated)
			if len(result.Failed) > 0 {
				fmt.Fprintf(out, "⚠️  %d row(s) failed:\n", len(result.Failed))
				for _, f := range result.Failed {
					fmt.Fprintf(out, "  ✗ %s: %v\n", f.ID, f.Err)
				}
			}
			fmt.Fprintln(out)
			return nil
		},
	}
}

func donorInputFromRow(row sheetsclient.DonorRow) services.DonorInput {
	return services.DonorInput{
		ID:        row.ID,
		FirstName: row.FirstName,
		LastName:  row.LastName,
		Email:     row.Email,
		Phone:     row.Phone,
		BloodType: row.BloodType,
		Address:   row.Address,
		Available: row.Available,
	}
}
