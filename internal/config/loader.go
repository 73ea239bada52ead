package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/rpattn/recon/internal/db"
)

// Config holds every setting of the reconciliation engine and its outer surfaces.
type Config struct {
	MetadataPath string
	DataRoot     string

	JoinExplosionFactor int
	AllowMissingSources bool
	TraceSnapshots      bool

	FuzzyEnabled   bool
	FuzzyThreshold float64

	InferContributionSigns bool
	MaxRootCauses          int

	Database db.Config

	ServerAddr     string
	AllowedOrigins []string

	LogLevel        string
	ExportDirectory string

	// Source is the config file that was read, empty when only defaults and env were used.
	Source string
}

// DefaultConfig returns the configuration used when no file or environment overrides exist.
func DefaultConfig() Config {
	return Config{
		MetadataPath:        "metadata",
		DataRoot:            ".",
		JoinExplosionFactor: 10,
		TraceSnapshots:      true,
		FuzzyThreshold:      0.85,
		MaxRootCauses:       5,
		Database:            db.DefaultConfig(),
		ServerAddr:          ":8080",
		AllowedOrigins:      []string{"*"},
		LogLevel:            "info",
		ExportDirectory:     "exports",
	}
}

var envKeys = []string{
	"metadata.path",
	"data.root",
	"engine.join_explosion_factor",
	"engine.allow_missing_sources",
	"engine.trace_snapshots",
	"diff.fuzzy_enabled",
	"diff.fuzzy_threshold",
	"drilldown.infer_contribution_signs",
	"drilldown.max_root_causes",
	"database.enabled",
	"database.host",
	"database.port",
	"database.user",
	"database.password",
	"database.dbname",
	"database.sslmode",
	"database.schema",
	"server.addr",
	"server.allowed_origins",
	"log.level",
	"export.directory",
}

// Load reads config.yaml from configPath (if present) and applies RECON_* environment overrides.
func Load(configPath string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix("RECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		cfg.Source = v.ConfigFileUsed()
	}

	if v.IsSet("metadata.path") {
		cfg.MetadataPath = v.GetString("metadata.path")
	}
	if v.IsSet("data.root") {
		cfg.DataRoot = v.GetString("data.root")
	}
	if v.IsSet("engine.join_explosion_factor") {
		cfg.JoinExplosionFactor = v.GetInt("engine.join_explosion_factor")
	}
	if v.IsSet("engine.allow_missing_sources") {
		cfg.AllowMissingSources = v.GetBool("engine.allow_missing_sources")
	}
	if v.IsSet("engine.trace_snapshots") {
		cfg.TraceSnapshots = v.GetBool("engine.trace_snapshots")
	}
	if v.IsSet("diff.fuzzy_enabled") {
		cfg.FuzzyEnabled = v.GetBool("diff.fuzzy_enabled")
	}
	if v.IsSet("diff.fuzzy_threshold") {
		cfg.FuzzyThreshold = v.GetFloat64("diff.fuzzy_threshold")
	}
	if v.IsSet("drilldown.infer_contribution_signs") {
		cfg.InferContributionSigns = v.GetBool("drilldown.infer_contribution_signs")
	}
	if v.IsSet("drilldown.max_root_causes") {
		cfg.MaxRootCauses = v.GetInt("drilldown.max_root_causes")
	}
	if v.IsSet("database.enabled") {
		cfg.Database.Enabled = v.GetBool("database.enabled")
	}
	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("database.schema") {
		cfg.Database.Schema = v.GetString("database.schema")
	}
	if v.IsSet("server.addr") {
		cfg.ServerAddr = v.GetString("server.addr")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.AllowedOrigins = splitList(v.GetStringSlice("server.allowed_origins"))
	}
	if v.IsSet("log.level") {
		cfg.LogLevel = v.GetString("log.level")
	}
	if v.IsSet("export.directory") {
		cfg.ExportDirectory = v.GetString("export.directory")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks ranges of numeric settings.
func (c Config) Validate() error {
	if c.JoinExplosionFactor < 1 {
		return fmt.Errorf("engine.join_explosion_factor must be >= 1, got %d", c.JoinExplosionFactor)
	}
	if c.FuzzyThreshold <= 0 || c.FuzzyThreshold > 1 {
		return fmt.Errorf("diff.fuzzy_threshold must be in (0, 1], got %v", c.FuzzyThreshold)
	}
	if c.MaxRootCauses < 0 {
		return fmt.Errorf("drilldown.max_root_causes must be >= 0, got %d", c.MaxRootCauses)
	}
	return nil
}

// SlogLevel maps LogLevel to an slog.Level.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
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

// env values arrive as a single comma separated string.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
