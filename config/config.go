// Package config holds process configuration for the btrfs-backup command
// line tools: a small struct populated from environment variables, with
// each binary's flags taking precedence over the environment.
package config

import "os"

// Server holds the settings read by btrfs-repo-server, which uses
// LogLevel as its -loglevel flag default.
type Server struct {
	// RepoDir is the repository root directory.
	RepoDir string
	// LogLevel is a logrus level name: "debug", "info", "warn", "error".
	LogLevel string
}

// DefaultLogLevel is used when neither a flag nor an environment
// variable sets one.
const DefaultLogLevel = "info"

// FromEnv builds a Server from BTRFS_BACKUP_* environment variables,
// falling back to package defaults for anything unset. prefix replaces
// "BTRFS_BACKUP" when non-empty, so tests can isolate their own
// environment namespace.
func FromEnv(prefix string) Server {
	if prefix == "" {
		prefix = "BTRFS_BACKUP"
	}
	return Server{
		RepoDir:  envOrDefault(prefix+"_REPO_DIR", ""),
		LogLevel: envOrDefault(prefix+"_LOG_LEVEL", DefaultLogLevel),
	}
}

// envOrDefault returns the environment variable value if set and
// non-empty, otherwise fallback.
func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
