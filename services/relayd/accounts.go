package relayd

import (
	"fmt"
	"log/slog"

	"nhbrelay/config"
	"nhbrelay/core/types"
	"nhbrelay/crypto"
)

// PassphraseFunc resolves the keystore passphrase, consulting envVar first.
type PassphraseFunc func(envVar string) (string, error)

// LoadIdentities gathers signing identities from the keys file, the keystores
// and, for the simulated ledger, freshly generated keys. Repeated addresses
// are collapsed to their first occurrence.
func LoadIdentities(cfg config.AccountsConfig, passphrase PassphraseFunc, logger *slog.Logger) ([]types.Identity, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var keys []*crypto.PrivateKey
	if cfg.KeysFile != "" {
		fromFile, err := crypto.LoadKeyFile(cfg.KeysFile)
		if err != nil {
			return nil, fmt.Errorf("load keys file: %w", err)
		}
		keys = append(keys, fromFile...)
	}
	if len(cfg.Keystores) > 0 {
		if passphrase == nil {
			return nil, fmt.Errorf("keystores configured without a passphrase source")
		}
		fromKeystores, err := crypto.LoadKeystores(cfg.Keystores, func() (string, error) {
			return passphrase(cfg.PassphraseEnv)
		})
		if err != nil {
			return nil, fmt.Errorf("load keystores: %w", err)
		}
		keys = append(keys, fromKeystores...)
	}
	for i := 0; i < cfg.Ephemeral; i++ {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		keys = append(keys, key)
	}

	seen := make(map[string]struct{}, len(keys))
	identities := make([]types.Identity, 0, len(keys))
	for _, key := range keys {
		identity := key.Identity()
		if _, dup := seen[identity.Address]; dup {
			logger.Warn("duplicate identity ignored", slog.String("account", identity.Address))
			continue
		}
		seen[identity.Address] = struct{}{}
		identities = append(identities, identity)
	}
	return identities, nil
}
