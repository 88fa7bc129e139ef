package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jakechorley/blood-match/pkg/core/model"
)

const configFilePrefix = "blood_match_config"

// Default values applied to fields left unset in the config file
const (
	DefaultSearchRadiusKm       = 20.0
	DefaultDonationIntervalDays = 56
	DefaultRetryAttempts        = 3
	DefaultRetryBaseDelay       = 20 * time.Millisecond
	DefaultRetryMaxDelay        = 500 * time.Millisecond
	DefaultGeocodeRPS           = 10.0
	DefaultGeocodeCacheTTL      = 24 * time.Hour
)

// MatchingConfig tunes donor ranking
type MatchingConfig struct {
	SearchRadiusKm       float64 `yaml:"searchRadiusKm" validate:"gte=0"`
	DonationIntervalDays int     `yaml:"donationIntervalDays" validate:"gte=0"`
	MaxCandidates        int     `yaml:"maxCandidates,omitempty" validate:"gte=0"`
}

// RetryConfig bounds retries of transient store contention
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts" validate:"gte=0,lte=10"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay" validate:"gtefield=BaseDelay"`
}

// StaticAddress is one entry of the static geocoding table
type StaticAddress struct {
	Address string  `yaml:"address" validate:"required"`
	Lat     float64 `yaml:"lat" validate:"gte=-90,lte=90"`
	Lng     float64 `yaml:"lng" validate:"gte=-180,lte=180"`
}

// GeocodingConfig selects the address resolver
type GeocodingConfig struct {
	Provider          string          `yaml:"provider" validate:"oneof=google static"`
	APIKey            string          `yaml:"apiKey,omitempty" validate:"required_if=Provider google"`
	RequestsPerSecond float64         `yaml:"requestsPerSecond,omitempty" validate:"gte=0"`
	CacheTTL          time.Duration   `yaml:"cacheTTL,omitempty"`
	Static            []StaticAddress `yaml:"static,omitempty" validate:"dive"`
}

// RedisConfig enables the Redis geocode cache and event channel
type RedisConfig struct {
	Addr          string `yaml:"addr" validate:"required,hostname_port"`
	Password      string `yaml:"password,omitempty"`
	DB            int    `yaml:"db,omitempty" validate:"gte=0"`
	EventChannel  string `yaml:"eventChannel,omitempty"`
	CacheGeocodes bool   `yaml:"cacheGeocodes,omitempty"`
}

// DonorSheetConfig locates the donor registry spreadsheet
type DonorSheetConfig struct {
	SheetID string `yaml:"sheetID" validate:"required"`
	Tab     string `yaml:"tab" validate:"required"`
}

// NotificationsConfig selects how domain events reach people
type NotificationsConfig struct {
	Channel     string `yaml:"channel" validate:"oneof=log email"`
	GmailSender string `yaml:"gmailSender,omitempty"`
	// Contacts maps non-donor user ids (requesters, blood bank staff) to email addresses
	Contacts map[string]string `yaml:"contacts,omitempty" validate:"dive,email"`
}

// SlotTemplate is a recurring donation window offered by a facility
type SlotTemplate struct {
	RRule     string `yaml:"rrule" validate:"required"`
	StartTime string `yaml:"startTime" validate:"required,datetime=15:04"`
	EndTime   string `yaml:"endTime" validate:"required,datetime=15:04"`
	Capacity  int    `yaml:"capacity" validate:"gt=0"`
}

// Window returns the template as a slot window
func (t SlotTemplate) Window() model.SlotWindow {
	return model.SlotWindow{Recurrence: t.RRule, StartTime: t.StartTime, EndTime: t.EndTime}
}

// FacilityConfig is a donation facility and its standing slots
type FacilityConfig struct {
	ID    string         `yaml:"id" validate:"required"`
	Name  string         `yaml:"name,omitempty"`
	Slots []SlotTemplate `yaml:"slots,omitempty" validate:"dive"`
}

// Config represents the application configuration
type Config struct {
	Store         string              `yaml:"store" validate:"oneof=postgres memory"`
	DatabaseURL   string              `yaml:"databaseURL,omitempty" validate:"required_if=Store postgres"`
	Matching      MatchingConfig      `yaml:"matching"`
	Retry         RetryConfig         `yaml:"retry"`
	Geocoding     GeocodingConfig     `yaml:"geocoding"`
	Redis         *RedisConfig        `yaml:"redis,omitempty"`
	DonorSheet    *DonorSheetConfig   `yaml:"donorSheet,omitempty"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Facilities    []FacilityConfig    `yaml:"facilities,omitempty" validate:"dive"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// LoadWithEnv loads and validates blood_match_config.<env>.yaml
// It looks for the config file in the current directory first, then in the user's home directory
func LoadWithEnv(env string) (*Config, error) {
	configPath, err := locate(envFileName(configFilePrefix, env, ".yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to find config file: %w", err)
	}

	return LoadFromPath(configPath)
}

// LoadFromPath loads, defaults and validates the configuration from a specific path
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills unset optional fields
func (c *Config) ApplyDefaults() {
	if c.Store == "" {
		c.Store = "memory"
	}
	if c.Matching.SearchRadiusKm == 0 {
		c.Matching.SearchRadiusKm = DefaultSearchRadiusKm
	}
	if c.Matching.DonationIntervalDays == 0 {
		c.Matching.DonationIntervalDays = DefaultDonationIntervalDays
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultRetryAttempts
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = DefaultRetryBaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = DefaultRetryMaxDelay
	}
	if c.Geocoding.Provider == "" {
		c.Geocoding.Provider = "static"
	}
	if c.Geocoding.RequestsPerSecond == 0 {
		c.Geocoding.RequestsPerSecond = DefaultGeocodeRPS
	}
	if c.Geocoding.CacheTTL == 0 {
		c.Geocoding.CacheTTL = DefaultGeocodeCacheTTL
	}
	if c.Notifications.Channel == "" {
		c.Notifications.Channel = "log"
	}
}

// Validate validates the configuration struct and the facility slot templates
func Validate(cfg *Config) error {
	// Run struct validation
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	for i, facility := range cfg.Facilities {
		for j, tmpl := range facility.Slots {
			if err := tmpl.Window().Validate(); err != nil {
				return fmt.Errorf("invalid window in facilities[%d].slots[%d]: %w", i, j, err)
			}
		}
	}

	if cfg.Notifications.Channel == "email" && cfg.Notifications.GmailSender == "" {
		return fmt.Errorf("config validation failed: notifications.gmailSender is required for the email channel")
	}

	return nil
}

// DonationInterval returns the minimum gap between donations
func (m MatchingConfig) DonationInterval() time.Duration {
	return time.Duration(m.DonationIntervalDays) * 24 * time.Hour
}

// StaticTable returns the static geocoding entries keyed by address
func (g GeocodingConfig) StaticTable() map[string]model.Coordinate {
	table := make(map[string]model.Coordinate, len(g.Static))
	for _, s := range g.Static {
		table[s.Address] = model.Coordinate{Lat: s.Lat, Lng: s.Lng}
	}
	return table
}

// envFileName builds "<base>.<env><ext>", or "<base><ext>" when env is empty
func envFileName(base, env, ext string) string {
	if env == "" {
		return base + ext
	}
	return base + "." + env + ext
}

// locate returns the first existing copy of name in the current directory, then the home directory
func locate(name string) (string, error) {
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	homePath := filepath.Join(homeDir, name)
	if _, err := os.Stat(homePath); err == nil {
		return homePath, nil
	}

	return "", fmt.Errorf("%s not found in current directory or home directory", name)
}
