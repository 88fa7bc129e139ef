package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jakechorley/blood-match/pkg/core/model"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printRequest(w io.Writer, r *model.EmergencyRequest) {
	fmt.Fprintf(w, "Request:   %s\n", r.ID)
	fmt.Fprintf(w, "Status:    %s\n", r.Status)
	fmt.Fprintf(w, "Needs:     %d unit(s) of %s (%s)\n", r.UnitsRequired, r.BloodType, r.Urgency)
	if r.HospitalName != "" {
		fmt.Fprintf(w, "Hospital:  %s\n", r.HospitalName)
	}
	switch {
	case r.LocationUnknown:
		fmt.Fprintln(w, "Location:  unknown (geocoding unavailable)")
	case r.HospitalLocation != nil:
		fmt.Fprintf(w, "Location:  %.5f, %.5f\n", r.HospitalLocation.Lat, r.HospitalLocation.Lng)
	}
	if r.AcceptedDonorID != "" {
		fmt.Fprintf(w, "Donor:     %s (offer %s)\n", r.AcceptedDonorID, r.AcceptedOfferID)
	}
}

func printCandidates(w io.Writer, candidates []model.MatchCandidate) {
	if len(candidates) == 0 {
		fmt.Fprintln(w, "No eligible donors found.")
		return
	}

	fmt.Fprintf(w, "%d eligible donor(s):\n\n", len(candidates))
	tw := newTable(w)
	fmt.Fprintln(tw, "#\tDONOR\tNAME\tTYPE\tDISTANCE\tETA\tRELIABILITY")
	for i, c := range candidates {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.1f km\t%d min\t%d\n",
			i+1, c.Donor.ID, fullName(c.Donor), c.Donor.BloodType, c.DistanceKm, c.ArrivalMinutes, c.Donor.ReliabilityScore)
	}
	tw.Flush()
}

func printOffers(w io.Writer, heading string, offers []model.Offer) {
	if len(offers) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", heading)
	for _, o := range offers {
		fmt.Fprintf(w, "  - %s (donor %s)\n", o.ID, o.DonorID)
	}
}

func printBooking(w io.Writer, b *model.Booking) {
	fmt.Fprintf(w, "Booking:   %s\n", b.ID)
	fmt.Fprintf(w, "Status:    %s\n", b.Status)
	fmt.Fprintf(w, "Slot:      %s\n", b.SlotID)
	fmt.Fprintf(w, "Donor:     %s\n", b.DonorID)
	if b.RequestID != "" {
		fmt.Fprintf(w, "Request:   %s\n", b.RequestID)
	}
	if b.RescheduledFromID != "" {
		fmt.Fprintf(w, "Replaces:  %s\n", b.RescheduledFromID)
	}
}

func printSlots(w io.Writer, slots []model.DonationSlot, now time.Time) {
	if len(slots) == 0 {
		fmt.Fprintln(w, "No slots.")
		return
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "SLOT\tFACILITY\tWINDOW\tBOOKED\tNEXT")
	for _, s := range slots {
		next := "-"
		if start, _, ok := s.Window.NextOccurrence(now); ok {
			next = start.Format("Mon 02 Jan 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n", s.ID, s.FacilityID, s.Window, s.BookedCount, s.Capacity, next)
	}
	tw.Flush()
}

func fullName(d model.Donor) string {
	return strings.TrimSpace(d.FirstName + " " + d.LastName)
}

// addLocationFlags registers --lat/--lng for commands that accept explicit coordinates
func addLocationFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("lat", 0, "Latitude, skips geocoding when given with --lng")
	cmd.Flags().Float64("lng", 0, "Longitude")
}

// locationFlag returns the coordinate from --lat/--lng, or nil when neither was set
func locationFlag(cmd *cobra.Command) (*model.Coordinate, error) {
	latSet, lngSet := cmd.Flags().Changed("lat"), cmd.Flags().Changed("lng")
	if !latSet && !lngSet {
		return nil, nil
	}
	if latSet != lngSet {
		return nil, fmt.Errorf("--lat and --lng must be given together")
	}
	lat, _ := cmd.Flags().GetFloat64("lat")
	lng, _ := cmd.Flags().GetFloat64("lng")
	return &model.Coordinate{Lat: lat, Lng: lng}, nil
}
