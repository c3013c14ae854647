// Package config loads the automation engine's process configuration,
// following internal/config.LoadConfig's shape: typed defaults first,
// then environment-variable overrides via an overrideWithEnv-style pass.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is the engine's full runtime configuration, read once at
// process start in cmd/automation-engine/main.go.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Downstream DownstreamConfig
	Security   SecurityConfig
	Engine     EngineConfig
}

// ServerConfig controls the Control API's listen address.
type ServerConfig struct {
	Port string
}

// DatabaseConfig is the single Postgres connection shared by the GORM
// stores (progress/history) and the sqlx definition store reader.
type DatabaseConfig struct {
	URL string
}

// DownstreamConfig derives the push-send endpoint base URL per
// spec.md §6: `https://<RAILWAY_STATIC_URL>` in production,
// `http://localhost:<PORT||3001>` otherwise.
type DownstreamConfig struct {
	BaseURL           string
	CadenceServiceURL string
}

// SecurityConfig holds the Control API's JWT verification secret.
type SecurityConfig struct {
	JWTSecret string
}

// EngineConfig carries the two spec.md §6/§4.9 environment markers:
// the generator-path version selector and the build-phase suppression
// flag.
type EngineConfig struct {
	Version    string
	BuildPhase bool
	InstanceID string
}

// Load reads .env (if present; a missing file is not an error, the
// usual optional-dev-convenience use of godotenv), then builds a
// Config from defaults plus environment overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{Port: envOr("PORT", "3001")},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Security: SecurityConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Engine: EngineConfig{
			Version:    envOr("AUTOMATION_ENGINE_VERSION", "v2"),
			BuildPhase: isBuildPhase(),
			InstanceID: envOr("INSTANCE_ID", defaultInstanceID()),
		},
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.Downstream = DownstreamConfig{
		BaseURL:           downstreamBaseURL(cfg.Server.Port),
		CadenceServiceURL: os.Getenv("CADENCE_SERVICE_URL"),
	}

	return cfg, nil
}

// downstreamBaseURL implements spec.md §6's derivation exactly.
func downstreamBaseURL(port string) string {
	if railway := os.Getenv("RAILWAY_STATIC_URL"); railway != "" {
		return "https://" + railway
	}
	if port == "" {
		port = "3001"
	}
	return "http://localhost:" + port
}

// isBuildPhase implements spec.md §4.9's build-phase suppression check:
// the Go analog of the source's NODE_ENV/static-analysis marker.
// AUTOMATION_ENGINE_BUILD_PHASE is set by build tooling, never by an
// operator, when the binary is merely being compiled/vetted rather than
// run as a service.
func isBuildPhase() bool {
	if v, err := strconv.ParseBool(os.Getenv("AUTOMATION_ENGINE_BUILD_PHASE")); err == nil {
		return v
	}
	return os.Getenv("NODE_ENV") == "test"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "automation-engine"
	}
	return host
}
