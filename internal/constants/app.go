package constants

import (
	"time"
)

// Application identity
const (
	// AppName - binary name, config directory name and state-file prefix
	AppName = "shawl"

	// ConfigFileName - INI configuration file inside the config directory
	ConfigFileName = "shawl.conf"

	// StateFileName - persisted run state document
	StateFileName = "state.json"

	// KeyFileName - master key used to seal credentials at rest
	KeyFileName = "secret.key"

	// TokenFileName - sealed batch-mode password written by 'shawl configure'
	TokenFileName = "token"

	// PasswordEnvVar - environment variable consulted last when resolving the password
	PasswordEnvVar = "SHAWL_PASSWORD"
)

// Remote workspace layout
const (
	// DefaultRunsDir - remote directory (relative to the login home) holding per-run workspaces
	DefaultRunsDir = "runs"

	// DefaultJobPattern - glob used to discover the job-description file
	DefaultJobPattern = "*.job"

	// RemoteBackupName - state backup file name in the remote home directory
	RemoteBackupName = "shawl.json"

	// DefaultBackupKey - object key used for S3 state backups
	DefaultBackupKey = "shawl/state.json"
)

// HTTP server
const (
	// DefaultListenAddr - loopback only; the API is single-user
	DefaultListenAddr = "127.0.0.1"

	// DefaultPort - default HTTP port for 'shawl serve'
	DefaultPort = 7321

	// ServerReadHeaderTimeout - time allowed to read request headers
	ServerReadHeaderTimeout = 10 * time.Second

	// ServerShutdownTimeout - grace period for in-flight requests on shutdown
	ServerShutdownTimeout = 15 * time.Second
)

// Background pipelines
const (
	// DefaultMaxConcurrent - default number of concurrent upload/download pipelines
	DefaultMaxConcurrent = 4

	// MinMaxConcurrent - minimum concurrent pipelines (sequential mode)
	MinMaxConcurrent = 1

	// MaxMaxConcurrent - maximum concurrent pipelines allowed
	MaxMaxConcurrent = 16
)

// Batch wait loop
const (
	// DefaultPollInterval - interval between queue checks while waiting for a job (60 seconds)
	DefaultPollInterval = 60 * time.Second

	// DefaultFailureRetries - consecutive failed checks tolerated before giving up
	// At the default interval this is roughly 24 hours of outage.
	DefaultFailureRetries = 1440

	// MaxPollIntervalSeconds - upper bound accepted from configuration (1 hour)
	MaxPollIntervalSeconds = 3600
)

// Remote session
const (
	// SSHPort - default port appended when the host carries none
	SSHPort = 22

	// SSHDialTimeout - timeout for establishing the TCP connection and handshake
	SSHDialTimeout = 30 * time.Second

	// SSHKeepaliveRequest - global request used for liveness checks
	SSHKeepaliveRequest = "keepalive@openssh.com"

	// SFTPCopyBufferSize - buffer used when copying file contents over SFTP (1 MB)
	SFTPCopyBufferSize = 1 * 1024 * 1024

	// DiskSpaceSafetyMargin - free space required before a download, as a multiple of its size
	DiskSpaceSafetyMargin = 1.1
)

// Progress
const (
	// ProgressUpdateInterval - interval for progress bar updates (250ms)
	// Balances responsiveness with performance
	ProgressUpdateInterval = 250 * time.Millisecond
)
