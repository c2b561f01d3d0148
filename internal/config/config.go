package config

import (
	"fmt"
	"path/filepath"

	"go-celestia-addons/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultApiBaseUrl          = "https://celestia.mobi/api"
	DefaultLanguage            = "en"
	DefaultApiClientTimeoutSec = 60
	DefaultProgressStep        = 0.01
)

// LoadConfig reads the configuration from the specified path (defaulting to "config.toml")
// and fills in defaults for anything left unset.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml"
	}
	var cfg models.Config
	if _, err := toml.DecodeFile(configFilePath, &cfg); err != nil {
		return ApplyDefaults(models.Config{}), fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}

	cfg = ApplyDefaults(cfg)
	if cfg.AddonDirectory == "" {
		log.Warn("Warning: AddonDirectory is not set in config.toml")
	}
	if cfg.ScriptDirectory == "" {
		log.Warn("Warning: ScriptDirectory is not set in config.toml")
	}

	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// ApplyDefaults returns cfg with zero values replaced by defaults. Paths that
// can be derived from AddonDirectory are placed next to it.
func ApplyDefaults(cfg models.Config) models.Config {
	if cfg.ApiBaseUrl == "" {
		cfg.ApiBaseUrl = DefaultApiBaseUrl
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.ApiClientTimeoutSec <= 0 {
		cfg.ApiClientTimeoutSec = DefaultApiClientTimeoutSec
	}
	if cfg.ProgressStep <= 0 || cfg.ProgressStep > 1 {
		cfg.ProgressStep = DefaultProgressStep
	}
	if cfg.AddonDirectory != "" {
		base := filepath.Dir(filepath.Clean(cfg.AddonDirectory))
		if cfg.StagingDirectory == "" {
			cfg.StagingDirectory = filepath.Join(base, "staging")
		}
		if cfg.DatabasePath == "" {
			cfg.DatabasePath = filepath.Join(base, "addon_history_db")
		}
		if cfg.BleveIndexPath == "" {
			cfg.BleveIndexPath = filepath.Join(base, "addons.bleve")
		}
	}
	return cfg
}
