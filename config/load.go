package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Load reads an optional .env file, then the yaml file at path (if it exists),
// then applies environment overrides.
func Load(path string) (*AppConfig, error) {
	_ = godotenv.Load()
	cfg := &AppConfig{}
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			return cfg, cfg.Validate()
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c *AppConfig) Validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported db driver %q", c.DBDriver)
	}
	switch c.Storage.Backend {
	case "local":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return errors.New("storage backend gcs requires SETU_STORAGE_GCS_BUCKET")
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	if c.Points.Accept <= 0 || c.Points.Complete <= 0 || c.Points.Volunteer <= 0 || c.Points.ReportVerified < 0 {
		return errors.New("point grants must be positive")
	}
	return nil
}
