package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName  string `env:"PAIR_APP_NAME,default=Realtime Pair Programming API" validate:"required"`
	Env      string `env:"PAIR_ENV,default=dev" validate:"oneof=dev prod test"`
	LogLevel string `env:"PAIR_LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
	HTTPAddr string `env:"PAIR_HTTP_ADDR,default=:8080" validate:"required"`

	DatabasePath string `env:"PAIR_DATABASE_PATH,default=./data/pairpad.db" validate:"required"`

	// Empty allows any origin
	FrontendOrigin string `env:"PAIR_FRONTEND_ORIGIN"`

	SuggestionPlaceholder string `env:"PAIR_SUGGESTION_PLACEHOLDER,default=Consider extracting a helper function for clarity." validate:"required"`

	EditsPerSecond  float64 `env:"PAIR_EDITS_PER_SECOND,default=20" validate:"gt=0"`
	EditBurst       int     `env:"PAIR_EDIT_BURST,default=40" validate:"gt=0"`
	CreatePerMinute int     `env:"PAIR_CREATE_PER_MINUTE,default=30" validate:"gt=0"`

	HistoryInterval  time.Duration `env:"PAIR_HISTORY_INTERVAL,default=5m" validate:"gt=0"`
	HistoryThreshold int           `env:"PAIR_HISTORY_THRESHOLD,default=200" validate:"gt=0"`
	HistoryKeep      int           `env:"PAIR_HISTORY_KEEP,default=50" validate:"gt=0,ltefield=HistoryThreshold"`

	// Zero keeps rooms in memory for the lifetime of the process
	RoomIdleTTL time.Duration `env:"PAIR_ROOM_IDLE_TTL,default=0s" validate:"gte=0"`

	ShutdownTimeout time.Duration `env:"PAIR_SHUTDOWN_TIMEOUT,default=10s" validate:"gt=0"`
}

var validate = validator.New()

// Load reads an optional .env file, then the process environment
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnviron()
}

// FromEnviron builds the config from the process environment only
func FromEnviron() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// AllowedOrigins returns the CORS allow list
func (c Config) AllowedOrigins() []string {
	if c.FrontendOrigin == "" {
		return []string{"*"}
	}
	return []string{c.FrontendOrigin}
}
