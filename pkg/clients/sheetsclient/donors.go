package sheetsclient

import (
	"context"
	"fmt"
	"strings"
)

// Expected column names in the donor registry sheet
var donorFields = []string{
	"Unique ID",
	"First name",
	"Last name",
	"Blood type",
	"Email",
	"Phone",
	"Address",
	"Available",
}

// DonorRow is one donor as entered in the registry sheet
type DonorRow struct {
	Row       int
	ID        string
	FirstName string
	LastName  string
	BloodType string
	Email     string
	Phone     string
	Address   string
	Available bool
}

// ValuesGetter reads a range of cells
type ValuesGetter interface {
	GetValues(ctx context.Context, spreadsheetID, sheetRange string) ([][]interface{}, error)
}

// ListDonors retrieves and parses the donor rows of a spreadsheet tab
func ListDonors(ctx context.Context, getter ValuesGetter, sheetID, tab string) ([]DonorRow, error) {
	values, err := getter.GetValues(ctx, sheetID, tab)
	if err != nil {
		return nil, fmt.Errorf("failed to get donor data: %w", err)
	}

	if len(values) == 0 {
		return nil, fmt.Errorf("spreadsheet is empty")
	}

	donors, err := parseDonors(values)
	if err != nil {
		return nil, fmt.Errorf("failed to parse donors: %w", err)
	}

	return donors, nil
}

// parseDonors converts raw spreadsheet data into donor rows. Blood type is
// passed through as typed; the import decides whether it is usable.
func parseDonors(raw [][]interface{}) ([]DonorRow, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("no header row found")
	}

	fieldIndexes := make(map[string]int)
	for _, field := range donorFields {
		index := -1
		for i, cell := range raw[0] {
			if cellStr, ok := cell.(string); ok && strings.TrimSpace(cellStr) == field {
				index = i
				break
			}
		}
		if index == -1 {
			return nil, fmt.Errorf("missing required field in header: %s", field)
		}
		fieldIndexes[field] = index
	}

	getField := func(field string, row []interface{}) string {
		index := fieldIndexes[field]
		if index >= len(row) {
			return ""
		}
		if str, ok := row[index].(string); ok {
			return strings.TrimSpace(str)
		}
		return ""
	}

	donors := make([]DonorRow, 0, len(raw)-1)
	for i := 1; i < len(raw); i++ {
		row := raw[i]

		firstName := getField("First name", row)
		// Skip empty rows
		if firstName == "" {
			continue
		}

		available, err := parseAvailable(getField("Available", row))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}

		donors = append(donors, DonorRow{
			Row:       i + 1,
			ID:        getField("Unique ID", row),
			FirstName: firstName,
			LastName:  getField("Last name", row),
			BloodType: getField("Blood type", row),
			Email:     getField("Email", row),
			Phone:     getField("Phone", row),
			Address:   getField("Address", row),
			Available: available,
		})
	}

	return donors, nil
}

// parseAvailable treats a blank cell as available
func parseAvailable(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "", "yes", "y", "true", "available":
		return true, nil
	case "no", "n", "false", "unavailable":
		return false, nil
	}
	return false, fmt.Errorf("invalid Available value %q", s)
}
