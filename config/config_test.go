package config

import "testing"

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("TESTPFX_REPO_DIR", "")
	t.Setenv("TESTPFX_LOG_LEVEL", "")
	cfg := FromEnv("TESTPFX")
	if cfg.RepoDir != "" {
		t.Fatalf("RepoDir = %q, want empty default", cfg.RepoDir)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("LogLevel = %q, want %q", cfg.LogLevel, DefaultLogLevel)
	}
}

func TestFromEnvReadsVariables(t *testing.T) {
	t.Setenv("TESTPFX_REPO_DIR", "/srv/backups")
	t.Setenv("TESTPFX_LOG_LEVEL", "debug")
	cfg := FromEnv("TESTPFX")
	if cfg.RepoDir != "/srv/backups" {
		t.Fatalf("RepoDir = %q, want /srv/backups", cfg.RepoDir)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestFromEnvDefaultPrefix(t *testing.T) {
	t.Setenv("BTRFS_BACKUP_REPO_DIR", "/var/backups")
	cfg := FromEnv("")
	if cfg.RepoDir != "/var/backups" {
		t.Fatalf("RepoDir = %q, want /var/backups", cfg.RepoDir)
	}
}

func TestFromEnvUsedAsFlagDefault(t *testing.T) {
	t.Setenv("TESTPFX_LOG_LEVEL", "warn")
	cfg := FromEnv("TESTPFX")
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %q, want warn (env value used as flag default)", cfg.LogLevel)
	}
	// btrfs-repo-server passes cfg.LogLevel as a flag.String default; an
	// explicitly passed flag then overrides it, but FromEnv itself has
	// no notion of flags.
}
