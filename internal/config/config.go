// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Cursor store backends
const (
	CursorBackendSQLite = "sqlite"
	CursorBackendFile   = "file"
)

// Cluster roles
const (
	ClusterRolePrimary = "primary"
	ClusterRoleReplica = "replica"
)

// Config holds process-wide configuration
type Config struct {
	DataDir        string // Base directory for the database, cursor files and outputs (always absolute)
	TargetsDir     string // Directory holding one YAML file per target
	ReposDir       string // Default parent directory of target local repositories
	OutputDir      string // Default directory for file output processors
	LogLevel       string
	LogPretty      bool
	Port           int
	DevMode        bool
	Workers        int    // Size of the shared deployment executor
	CursorBackend  string // sqlite or file
	ClusterEnabled bool
	ClusterRole    string
	WatchTargets   bool // Reload targets when their config files change
	// HistoryRetentionDays is how long finished deployments are kept; 0 keeps them forever
	HistoryRetentionDays int
	// MaintenanceCron schedules history pruning and the WAL checkpoint
	MaintenanceCron string
	// Backup uploads database snapshots to an S3-compatible bucket when Bucket is set
	Backup BackupConfig
}

// BackupConfig configures the scheduled database backup
type BackupConfig struct {
	Bucket        string
	Prefix        string
	Region        string
	Endpoint      string // R2, MinIO and other S3-compatible stores
	AccessKey     string
	SecretKey     string
	PathStyle     bool
	Cron          string
	RetentionDays int
}

// Enabled reports whether backups are configured
func (b BackupConfig) Enabled() bool {
	return b.Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir, err := filepath.Abs(getEnv("DEPLOYER_DATA_DIR", "./data"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	cfg := &Config{
		DataDir:        dataDir,
		TargetsDir:     getEnv("DEPLOYER_TARGETS_DIR", filepath.Join(dataDir, "targets")),
		ReposDir:       getEnv("DEPLOYER_REPOS_DIR", filepath.Join(dataDir, "repos")),
		OutputDir:      getEnv("DEPLOYER_OUTPUT_DIR", filepath.Join(dataDir, "output")),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogPretty:      getEnvAsBool("LOG_PRETTY", true),
		Port:           getEnvAsInt("DEPLOYER_PORT", 8080),
		DevMode:        getEnvAsBool("DEV_MODE", false),
		Workers:        getEnvAsInt("DEPLOYER_WORKERS", 10),
		CursorBackend:  strings.ToLower(getEnv("DEPLOYER_CURSOR_BACKEND", CursorBackendSQLite)),
		ClusterEnabled: getEnvAsBool("DEPLOYER_CLUSTER_ENABLED", false),
		ClusterRole:    strings.ToLower(getEnv("DEPLOYER_CLUSTER_ROLE", ClusterRolePrimary)),
		WatchTargets:   getEnvAsBool("DEPLOYER_WATCH_TARGETS", true),

		HistoryRetentionDays: getEnvAsInt("DEPLOYER_HISTORY_RETENTION_DAYS", 30),
		MaintenanceCron:      getEnv("DEPLOYER_MAINTENANCE_CRON", "0 0 3 * * *"),

		Backup: BackupConfig{
			Bucket:        getEnv("DEPLOYER_BACKUP_BUCKET", ""),
			Prefix:        getEnv("DEPLOYER_BACKUP_PREFIX", "deployer"),
			Region:        getEnv("DEPLOYER_BACKUP_REGION", ""),
			Endpoint:      getEnv("DEPLOYER_BACKUP_ENDPOINT", ""),
			AccessKey:     getEnv("DEPLOYER_BACKUP_ACCESS_KEY", ""),
			SecretKey:     getEnv("DEPLOYER_BACKUP_SECRET_KEY", ""),
			PathStyle:     getEnvAsBool("DEPLOYER_BACKUP_PATH_STYLE", false),
			Cron:          getEnv("DEPLOYER_BACKUP_CRON", "0 30 3 * * *"),
			RetentionDays: getEnvAsInt("DEPLOYER_BACKUP_RETENTION_DAYS", 90),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for _, dir := range []string{cfg.DataDir, cfg.TargetsDir, cfg.ReposDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return cfg, nil
}

// Validate checks that enumerated settings hold known values
func (c *Config) Validate() error {
	switch c.CursorBackend {
	case CursorBackendSQLite, CursorBackendFile:
	default:
		return fmt.Errorf("unknown cursor backend %q", c.CursorBackend)
	}

	switch c.ClusterRole {
	case ClusterRolePrimary, ClusterRoleReplica:
	default:
		return fmt.Errorf("unknown cluster role %q", c.ClusterRole)
	}

	if c.Workers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.Workers)
	}

	if c.HistoryRetentionDays < 0 {
		return fmt.Errorf("history retention must not be negative, got %d", c.HistoryRetentionDays)
	}

	if c.Backup.RetentionDays < 0 {
		return fmt.Errorf("backup retention must not be negative, got %d", c.Backup.RetentionDays)
	}

	return nil
}

// DatabasePath returns the SQLite file holding cursors and deployment history
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "deployer.db")
}

// HistoryRetention returns the history retention as a duration
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

// BackupStagingDir returns the directory where snapshots are assembled before upload
func (c *Config) BackupStagingDir() string {
	return filepath.Join(c.DataDir, "backup-staging")
}

// CursorDir returns the directory used by the file cursor backend
func (c *Config) CursorDir() string {
	return filepath.Join(c.DataDir, "processed-commits")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
