package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"library-lending/scheduler"
)

type StoreDriver string

const (
	StoreSQLite StoreDriver = "sqlite" // SQLite database file (default)
	StoreText   StoreDriver = "text"   // Pipe-delimited record files
)

type (
	Config struct {
		Store
		Lending
		Sweeps
		Auth
		Log
	}

	Store struct {
		Driver       StoreDriver
		DatabasePath string
		DataDir      string
		SeedDefaults bool
	}
	Lending struct {
		TimeUnit                 time.Duration // Length of one lending day
		ReservationWindowInUnits int
	}
	Sweeps struct {
		ReservationSchedule string // Cron format or descriptor, e.g. "@every 1m"
		FineSchedule        string
	}
	Auth struct {
		BcryptCost int
	}
	Log struct {
		Level  string // debug, info, warn, error
		Format string // text or json
	}
)

func NewConfig() *Config {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("store_driver", string(StoreSQLite))
	v.SetDefault("database_path", DefaultDatabasePath)
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("seed_defaults", true)

	v.SetDefault("time_unit", "24h")
	v.SetDefault("reservation_window_units", 3)

	v.SetDefault("reservation_sweep_schedule", "@every 1m")
	v.SetDefault("fine_sweep_schedule", "@every 1h")

	v.SetDefault("bcrypt_cost", bcrypt.DefaultCost)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	return &Config{
		Store: Store{
			Driver:       StoreDriver(strings.ToLower(v.GetString("STORE_DRIVER"))),
			DatabasePath: v.GetString("DATABASE_PATH"),
			DataDir:      v.GetString("DATA_DIR"),
			SeedDefaults: v.GetBool("SEED_DEFAULTS"),
		},
		Lending: Lending{
			TimeUnit:                 v.GetDuration("TIME_UNIT"),
			ReservationWindowInUnits: v.GetInt("RESERVATION_WINDOW_UNITS"),
		},
		Sweeps: Sweeps{
			ReservationSchedule: v.GetString("RESERVATION_SWEEP_SCHEDULE"),
			FineSchedule:        v.GetString("FINE_SWEEP_SCHEDULE"),
		},
		Auth: Auth{
			BcryptCost: v.GetInt("BCRYPT_COST"),
		},
		Log: Log{
			Level:  strings.ToLower(v.GetString("LOG_LEVEL")),
			Format: strings.ToLower(v.GetString("LOG_FORMAT")),
		},
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch c.Driver {
	case StoreSQLite, StoreText:
	default:
		return fmt.Errorf("unknown store driver %q", c.Driver)
	}
	if c.TimeUnit <= 0 {
		return fmt.Errorf("time unit must be positive, got %s", c.TimeUnit)
	}
	if c.ReservationWindowInUnits <= 0 {
		return fmt.Errorf("reservation window must be positive, got %d", c.ReservationWindowInUnits)
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt cost %d out of range", c.BcryptCost)
	}
	// An empty schedule disables that sweep.
	for _, sweep := range []struct{ name, spec string }{
		{"reservation sweep", c.ReservationSchedule},
		{"fine sweep", c.FineSchedule},
	} {
		if sweep.spec == "" {
			continue
		}
		if err := scheduler.ValidateSchedule(sweep.spec); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", sweep.name, sweep.spec, err)
		}
	}
	return nil
}

// SlogLevel maps the configured level name, defaulting to info.
func (l Log) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
