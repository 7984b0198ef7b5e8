// Package config provides configuration management for shawl.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/shawl-hpc/shawl/internal/constants"
)

// Config represents the shawl configuration file.
//
// Config file location: ~/.config/shawl/shawl.conf
//
// INI format:
//
//	[remote]
//	host = login.cluster.example.org
//	username = alice
//	runs_dir = runs
//
//	[server]
//	listen = 127.0.0.1
//	port = 7321
//
//	[paths]
//	state_file = ~/.config/shawl/state.json
//	download_dir = ~/shawl_runs
//
//	[runs]
//	job_pattern = *.job
//	max_concurrent = 4
//	seal_credential = true
//
//	[batch]
//	local_path = ./case
//	remote_path = cases/case1
//	poll_interval_seconds = 60
//	failure_retries = 1440
//
//	[backup]
//	s3_bucket =
//	s3_key = shawl/state.json
//	s3_region =
//	s3_endpoint =
type Config struct {
	Remote RemoteConfig
	Server ServerConfig
	Paths  PathsConfig
	Runs   RunsConfig
	Batch  BatchConfig
	Backup BackupConfig
}

// RemoteConfig identifies the cluster login node.
type RemoteConfig struct {
	// Host is the login node, optionally with ":port".
	Host string `ini:"host"`

	// Username is the remote account name.
	Username string `ini:"username"`

	// RunsDir is the remote directory under which per-run workspaces are created.
	// Default: runs
	RunsDir string `ini:"runs_dir"`
}

// ServerConfig controls the local HTTP API.
type ServerConfig struct {
	Listen string `ini:"listen"`
	Port   int    `ini:"port"`
}

// PathsConfig holds local filesystem locations.
type PathsConfig struct {
	// StateFile is the persisted run state document.
	StateFile string `ini:"state_file"`

	// DownloadDir is the base directory for downloaded run results.
	DownloadDir string `ini:"download_dir"`
}

// RunsConfig controls the run lifecycle.
type RunsConfig struct {
	// JobPattern selects the job-description file inside a run's local directory.
	// Default: *.job
	JobPattern string `ini:"job_pattern"`

	// MaxConcurrent is the maximum number of upload/download pipelines running at once.
	// Minimum: 1, Maximum: 16, Default: 4
	MaxConcurrent int `ini:"max_concurrent"`

	// SealCredential stores the remote credential encrypted in the state file.
	// Default: true
	SealCredential bool `ini:"seal_credential"`
}

// BatchConfig holds parameters for 'shawl run'.
type BatchConfig struct {
	LocalPath           string `ini:"local_path"`
	RemotePath          string `ini:"remote_path"`
	PollIntervalSeconds int    `ini:"poll_interval_seconds"`
	FailureRetries      int    `ini:"failure_retries"`
}

// BackupConfig selects where state backups go. An empty bucket means the
// remote home directory.
type BackupConfig struct {
	S3Bucket string `ini:"s3_bucket"`
	S3Key    string `ini:"s3_key"`
	S3Region string `ini:"s3_region"`

	// S3Endpoint points at an S3-compatible store; path-style addressing is used when set.
	S3Endpoint string `ini:"s3_endpoint"`
}

// Config validation errors
var (
	ErrInvalidPort           = errors.New("server port must be between 1 and 65535")
	ErrInvalidMaxConcurrent  = fmt.Errorf("max_concurrent must be between %d and %d", constants.MinMaxConcurrent, constants.MaxMaxConcurrent)
	ErrInvalidPollInterval   = fmt.Errorf("poll_interval_seconds must be between 1 and %d", constants.MaxPollIntervalSeconds)
	ErrInvalidFailureRetries = errors.New("failure_retries must be at least 1")
	ErrEmptyJobPattern       = errors.New("job_pattern cannot be empty")
	ErrEmptyRunsDir          = errors.New("runs_dir cannot be empty")

	// ErrMissingParameter is wrapped by RequireBatch for every absent required value.
	ErrMissingParameter = errors.New("missing required parameter")
)

// ConfigDirectory returns the shawl configuration directory (~/.config/shawl).
func ConfigDirectory() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", constants.AppName), nil
}

// DefaultConfigPath returns the default path for shawl.conf.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDirectory()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, constants.ConfigFileName), nil
}

// DefaultDownloadDir returns the default base directory for run results.
func DefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "shawl_runs")
	}
	return filepath.Join(home, "shawl_runs")
}

func defaultInConfigDir(name string) string {
	dir, err := ConfigDirectory()
	if err != nil {
		return filepath.Join(os.TempDir(), constants.AppName, name)
	}
	return filepath.Join(dir, name)
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			RunsDir: constants.DefaultRunsDir,
		},
		Server: ServerConfig{
			Listen: constants.DefaultListenAddr,
			Port:   constants.DefaultPort,
		},
		Paths: PathsConfig{
			StateFile:   defaultInConfigDir(constants.StateFileName),
			DownloadDir: DefaultDownloadDir(),
		},
		Runs: RunsConfig{
			JobPattern:     constants.DefaultJobPattern,
			MaxConcurrent:  constants.DefaultMaxConcurrent,
			SealCredential: true,
		},
		Batch: BatchConfig{
			PollIntervalSeconds: int(constants.DefaultPollInterval / time.Second),
			FailureRetries:      constants.DefaultFailureRetries,
		},
		Backup: BackupConfig{
			S3Key: constants.DefaultBackupKey,
		},
	}
}

// Load loads configuration from shawl.conf.
// If path is empty, uses the default path.
// If the file doesn't exist, returns a config with default values and no error.
// If the file exists but is invalid, returns an error.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return cfg, nil // Return defaults if we can't determine path
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", filepath.Base(path), err)
	}

	remote := iniFile.Section("remote")
	cfg.Remote.Host = strings.TrimSpace(remote.Key("host").String())
	cfg.Remote.Username = strings.TrimSpace(remote.Key("username").String())
	cfg.Remote.RunsDir = remote.Key("runs_dir").MustString(constants.DefaultRunsDir)

	server := iniFile.Section("server")
	cfg.Server.Listen = server.Key("listen").MustString(constants.DefaultListenAddr)
	cfg.Server.Port = server.Key("port").MustInt(constants.DefaultPort)

	paths := iniFile.Section("paths")
	cfg.Paths.StateFile = ExpandHome(paths.Key("state_file").MustString(cfg.Paths.StateFile))
	cfg.Paths.DownloadDir = ExpandHome(paths.Key("download_dir").MustString(cfg.Paths.DownloadDir))

	runs := iniFile.Section("runs")
	cfg.Runs.JobPattern = runs.Key("job_pattern").MustString(constants.DefaultJobPattern)
	cfg.Runs.MaxConcurrent = runs.Key("max_concurrent").MustInt(constants.DefaultMaxConcurrent)
	cfg.Runs.SealCredential = runs.Key("seal_credential").MustBool(true)

	batch := iniFile.Section("batch")
	cfg.Batch.LocalPath = ExpandHome(batch.Key("local_path").String())
	cfg.Batch.RemotePath = batch.Key("remote_path").String()
	cfg.Batch.PollIntervalSeconds = batch.Key("poll_interval_seconds").MustInt(cfg.Batch.PollIntervalSeconds)
	cfg.Batch.FailureRetries = batch.Key("failure_retries").MustInt(constants.DefaultFailureRetries)

	backup := iniFile.Section("backup")
	cfg.Backup.S3Bucket = backup.Key("s3_bucket").String()
	cfg.Backup.S3Key = backup.Key("s3_key").MustString(constants.DefaultBackupKey)
	cfg.Backup.S3Region = backup.Key("s3_region").String()
	cfg.Backup.S3Endpoint = backup.Key("s3_endpoint").String()

	return cfg, nil
}

// Save saves configuration to shawl.conf.
// If path is empty, uses the default path.
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()
	sections := []struct {
		name string
		keys [][2]string
	}{
		{"remote", [][2]string{
			{"host", cfg.Remote.Host},
			{"username", cfg.Remote.Username},
			{"runs_dir", cfg.Remote.RunsDir},
		}},
		{"server", [][2]string{
			{"listen", cfg.Server.Listen},
			{"port", fmt.Sprintf("%d", cfg.Server.Port)},
		}},
		{"paths", [][2]string{
			{"state_file", cfg.Paths.StateFile},
			{"download_dir", cfg.Paths.DownloadDir},
		}},
		{"runs", [][2]string{
			{"job_pattern", cfg.Runs.JobPattern},
			{"max_concurrent", fmt.Sprintf("%d", cfg.Runs.MaxConcurrent)},
			{"seal_credential", fmt.Sprintf("%t", cfg.Runs.SealCredential)},
		}},
		{"batch", [][2]string{
			{"local_path", cfg.Batch.LocalPath},
			{"remote_path", cfg.Batch.RemotePath},
			{"poll_interval_seconds", fmt.Sprintf("%d", cfg.Batch.PollIntervalSeconds)},
			{"failure_retries", fmt.Sprintf("%d", cfg.Batch.FailureRetries)},
		}},
		{"backup", [][2]string{
			{"s3_bucket", cfg.Backup.S3Bucket},
			{"s3_key", cfg.Backup.S3Key},
			{"s3_region", cfg.Backup.S3Region},
			{"s3_endpoint", cfg.Backup.S3Endpoint},
		}},
	}
	for _, s := range sections {
		sec, err := iniFile.NewSection(s.name)
		if err != nil {
			return fmt.Errorf("failed to create %s section: %w", s.name, err)
		}
		for _, kv := range s.keys {
			sec.Key(kv[0]).SetValue(kv[1])
		}
	}

	// Use temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid.
// Returns nil if valid, or an error describing what's wrong.
func (cfg *Config) Validate() error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return ErrInvalidPort
	}
	if cfg.Runs.MaxConcurrent < constants.MinMaxConcurrent || cfg.Runs.MaxConcurrent > constants.MaxMaxConcurrent {
		return ErrInvalidMaxConcurrent
	}
	if strings.TrimSpace(cfg.Runs.JobPattern) == "" {
		return ErrEmptyJobPattern
	}
	if strings.TrimSpace(cfg.Remote.RunsDir) == "" {
		return ErrEmptyRunsDir
	}
	if cfg.Batch.PollIntervalSeconds < 1 || cfg.Batch.PollIntervalSeconds > constants.MaxPollIntervalSeconds {
		return ErrInvalidPollInterval
	}
	if cfg.Batch.FailureRetries < 1 {
		return ErrInvalidFailureRetries
	}
	return nil
}

// RequireBatch reports every required batch-mode parameter that is missing.
// The password is resolved separately and checked by the caller.
func (cfg *Config) RequireBatch() error {
	var missing []string
	if cfg.Remote.Host == "" {
		missing = append(missing, "host")
	}
	if cfg.Remote.Username == "" {
		missing = append(missing, "username")
	}
	if cfg.Batch.LocalPath == "" {
		missing = append(missing, "local_path")
	}
	if cfg.Batch.RemotePath == "" {
		missing = append(missing, "remote_path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingParameter, strings.Join(missing, ", "))
	}
	return nil
}

// PollInterval returns the batch wait interval as a duration.
func (cfg *Config) PollInterval() time.Duration {
	return time.Duration(cfg.Batch.PollIntervalSeconds) * time.Second
}

// ListenAddress returns host:port for the HTTP server.
func (cfg *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", cfg.Server.Listen, cfg.Server.Port)
}

// KeyFilePath returns the path of the credential sealing key, next to the state file.
func (cfg *Config) KeyFilePath() string {
	return filepath.Join(filepath.Dir(cfg.Paths.StateFile), constants.KeyFileName)
}
