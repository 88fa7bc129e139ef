package commands

import (
	"context"

	"go.uber.org/zap"

	"github.com/jakechorley/blood-match/internal/config"
	"github.com/jakechorley/blood-match/pkg/clients/sheetsclient"
	"github.com/jakechorley/blood-match/pkg/core/model"
	"github.com/jakechorley/blood-match/pkg/core/services"
	"github.com/jakechorley/blood-match/pkg/db"
	"github.com/jakechorley/blood-match/pkg/utils/clock"
)

// Migrator applies the store schema
type Migrator interface {
	RunMigrations(ctx context.Context) error
}

// EventSource streams published domain events
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan model.Event, error)
}

// AppContext holds the application dependencies shared across all commands.
// Optional collaborators are nil when not configured.
type AppContext struct {
	Cfg         *config.Config
	Store       db.Store
	Coordinator *services.Coordinator
	Slots       *services.Slots
	Donors      *services.Donors
	Clock       clock.Clock

	Migrator   Migrator
	DonorSheet sheetsclient.ValuesGetter
	Events     EventSource

	Logger *zap.Logger
	Ctx    context.Context
}
