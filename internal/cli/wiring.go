package cli

import (
	"os"
	"path/filepath"

	"github.com/shawl-hpc/shawl/internal/config"
	encryption "github.com/shawl-hpc/shawl/internal/crypto"
	"github.com/shawl-hpc/shawl/internal/logging"
	"github.com/shawl-hpc/shawl/internal/remote"
	"github.com/shawl-hpc/shawl/internal/state"
)

// openSealer returns the credential sealer, or nil when sealing is off.
func openSealer(cfg *config.Config) (*encryption.Sealer, error) {
	if !cfg.Runs.SealCredential {
		return nil, nil
	}
	return encryption.NewSealerFromKeyFile(cfg.KeyFilePath())
}

// openStore loads the state file named by cfg.
func openStore(cfg *config.Config, log *logging.Logger) (*state.Store, error) {
	sealer, err := openSealer(cfg)
	if err != nil {
		return nil, err
	}
	var s state.Sealer
	if sealer != nil {
		s = sealer
	}
	store := state.NewStore(cfg.Paths.StateFile, s)
	if err := store.Load(); err != nil {
		return nil, err
	}
	if store.CredentialDropped() {
		log.Warn().Str("key_file", cfg.KeyFilePath()).Msg("Stored credential could not be decrypted, log in again")
	}
	return store, nil
}

// tokenBox returns the sealer used for the batch token file, or nil when
// sealing is off.
func tokenBox(cfg *config.Config) (config.SecretBox, error) {
	sealer, err := openSealer(cfg)
	if err != nil || sealer == nil {
		return nil, err
	}
	return sealer, nil
}

func knownHostsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func newSSHSession(host, username, password string, log *logging.Logger) *remote.SSHSession {
	return remote.NewSSHSession(remote.SSHConfig{
		Host:           host,
		Username:       username,
		Password:       password,
		KnownHostsFile: knownHostsFile(),
	}, log)
}
