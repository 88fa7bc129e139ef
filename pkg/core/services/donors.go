package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jakechorley/blood-match/pkg/core/apperr"
	"github.com/jakechorley/blood-match/pkg/core/model"
	"github.com/jakechorley/blood-match/pkg/db"
)

// importGeocodeConcurrency bounds parallel geocoder calls during an import
const importGeocodeConcurrency = 4

// Donors maintains the donor registry
type Donors struct {
	deps Deps
}

// NewDonors creates the donor registry service
func NewDonors(deps Deps) *Donors {
	return &Donors{deps: deps.withDefaults()}
}

// DonorInput describes a donor to register or import. ID is optional for
// registration and required for imports, where it keeps re-imports idempotent.
// An empty BloodType registers the donor as unverified.
type DonorInput struct {
	ID        string
	FirstName string `validate:"required"`
	LastName  string
	Email     string `validate:"omitempty,email"`
	Phone     string
	BloodType string
	Address   string
	Location  *model.Coordinate `validate:"-"`
	Available bool
}

func (in DonorInput) bloodType() (model.BloodType, error) {
	if strings.TrimSpace(in.BloodType) == "" {
		return "", nil
	}
	bt, err := model.ParseBloodType(in.BloodType)
	if err != nil {
		return "", apperr.Validation("bloodType", "%v", err)
	}
	return bt, nil
}

// RegisterDonor adds a donor. An address the geocoder cannot place is
// rejected; a geocoder outage registers the donor without a location.
func (d *Donors) RegisterDonor(ctx context.Context, input DonorInput) (*model.Donor, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	bloodType, err := input.bloodType()
	if err != nil {
		return nil, err
	}
	location, _, err := resolveLocation(ctx, d.deps, input.Address, input.Location)
	if err != nil {
		return nil, err
	}

	now := d.deps.Clock.Now()
	donor := &model.Donor{
		ID:               input.ID,
		FirstName:        input.FirstName,
		LastName:         input.LastName,
		Email:            input.Email,
		Phone:            input.Phone,
		BloodType:        bloodType,
		Address:          input.Address,
		Location:         location,
		Available:        input.Available,
		ReliabilityScore: model.DefaultReliabilityScore,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if donor.ID == "" {
		donor.ID = uuid.New().String()
	}

	err = d.deps.inTx(ctx, "register donor", func(tx db.Tx) error {
		return tx.InsertDonor(ctx, donor)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register donor: %w", err)
	}

	d.deps.Logger.Info("Registered donor",
		zap.String("donor_id", donor.ID),
		zap.String("blood_type", string(donor.BloodType)),
		zap.Bool("has_location", donor.Location != nil))
	return donor, nil
}

// UpdateDonorLocation records a donor's current position
func (d *Donors) UpdateDonorLocation(ctx context.Context, donorID string, location model.Coordinate) (*model.Donor, error) {
	if err := validate.Struct(location); err != nil {
		return nil, apperr.Validation("location", "coordinate out of range")
	}
	return d.update(ctx, donorID, "update donor location", func(donor *model.Donor) {
		donor.Location = &location
	})
}

// SetDonorAvailability toggles whether a donor is offered to new requests
func (d *Donors) SetDonorAvailability(ctx context.Context, donorID string, available bool) (*model.Donor, error) {
	return d.update(ctx, donorID, "set donor availability", func(donor *model.Donor) {
		donor.Available = available
	})
}

// VerifyBloodType records a donor's verified blood type
func (d *Donors) VerifyBloodType(ctx context.Context, donorID, bloodType string) (*model.Donor, error) {
	bt, err := model.ParseBloodType(bloodType)
	if err != nil {
		return nil, apperr.Validation("bloodType", "%v", err)
	}
	return d.update(ctx, donorID, "verify blood type", func(donor *model.Donor) {
		donor.BloodType = bt
	})
}

func (d *Donors) update(ctx context.Context, donorID, op string, mutate func(*model.Donor)) (*model.Donor, error) {
	var donor *model.Donor
	err := d.deps.inTx(ctx, op, func(tx db.Tx) error {
		current, err := tx.GetDonor(ctx, donorID)
		if err != nil {
			return err
		}
		mutate(current)
		current.UpdatedAt = d.deps.Clock.Now()
		donor = current
		return tx.UpdateDonor(ctx, current)
	})
	if err != nil {
		return nil, err
	}
	d.deps.Logger.Debug("Updated donor", zap.String("op", op), zap.String("donor_id", donorID))
	return donor, nil
}

// ImportFailure is one row an import could not apply
type ImportFailure struct {
	ID  string
	Err error
}

// ImportResult summarises an import
type ImportResult struct {
	Created int
	Updated int
	Failed  []ImportFailure
}

// ImportDonors creates or updates donors by ID. Addresses are geocoded
// concurrently first. Rows that fail validation are reported in the result
// and do not stop the import; a store failure does.
//
// Updates keep the donor's reliability score and last donation.
func (d *Donors) ImportDonors(ctx context.Context, inputs []DonorInput) (*ImportResult, error) {
	result := &ImportResult{}

	type prepared struct {
		input     DonorInput
		bloodType model.BloodType
		location  *model.Coordinate
		err       error
	}
	rows := make([]prepared, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(importGeocodeConcurrency)
	for i := range inputs {
		i := i
		rows[i].input = inputs[i]
		g.Go(func() error {
			in := inputs[i]
			if in.ID == "" {
				rows[i].err = apperr.Validation("id", "required for import")
				return nil
			}
			if err := validateInput(in); err != nil {
				rows[i].err = err
				return nil
			}
			bt, err := in.bloodType()
			if err != nil {
				rows[i].err = err
				return nil
			}
			rows[i].bloodType = bt
			rows[i].location, _, rows[i].err = resolveLocation(gctx, d.deps, in.Address, in.Location)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("donor import cancelled: %w", err)
	}

	for _, row := range rows {
		if row.err != nil {
			result.Failed = append(result.Failed, ImportFailure{ID: row.input.ID, Err: row.err})
			continue
		}

		created := false
		err := d.deps.inTx(ctx, "import donor", func(tx db.Tx) error {
			now := d.deps.Clock.Now()
			donor, err := tx.GetDonor(ctx, row.input.ID)
			var notFound *apperr.NotFoundError
			if errors.As(err, &notFound) {
				created = true
				return tx.InsertDonor(ctx, &model.Donor{
					ID:               row.input.ID,
					FirstName:        row.input.FirstName,
					LastName:         row.input.LastName,
					Email:            row.input.Email,
					Phone:            row.input.Phone,
					BloodType:        row.bloodType,
					Address:          row.input.Address,
					Location:         row.location,
					Available:        row.input.Available,
					ReliabilityScore: model.DefaultReliabilityScore,
					CreatedAt:        now,
					UpdatedAt:        now,
				})
			}
			if err != nil {
				return err
			}

			created = false
			donor.FirstName = row.input.FirstName
			donor.LastName = row.input.LastName
			donor.Email = row.input.Email
			donor.Phone = row.input.Phone
			if row.bloodType != "" {
				donor.BloodType = row.bloodType
			}
			donor.Address = row.input.Address
			if row.location != nil {
				donor.Location = row.location
			}
			donor.Available = row.input.Available
			donor.UpdatedAt = now
			return tx.UpdateDonor(ctx, donor)
		})
		if err != nil {
			return result, fmt.Errorf("failed to import donor %s: %w", row.input.ID, err)
		}
		if created {
			result.Created++
		} else {
			result.Updated++
		}
	}

	d.deps.Logger.Info("Imported donors",
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}
