package libp2p

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

const identityFileName = "identity.key"

// getDataDir returns the node's data directory, ~/.firestbreak unless
// baseDir is set.
func getDataDir(baseDir string) (string, error) {
	if baseDir != "" {
		return baseDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".firestbreak"), nil
}

// SaveIdentity saves the private key to the data directory.
func SaveIdentity(key crypto.PrivKey, baseDir string) error {
	dir, err := getDataDir(baseDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	keyBytes, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, identityFileName), keyBytes, 0600)
}

// LoadIdentity loads the private key from the data directory.
// If the key doesn't exist, it generates a new one and saves it.
func LoadIdentity(baseDir string) (crypto.PrivKey, error) {
	dir, err := getDataDir(baseDir)
	if err != nil {
		return nil, err
	}

	keyBytes, err := os.ReadFile(filepath.Join(dir, identityFileName))
	if err != nil {
		if os.IsNotExist(err) {
			privKey, _, err := crypto.GenerateEd25519Key(nil)
			if err != nil {
				return nil, err
			}
			if err := SaveIdentity(privKey, baseDir); err != nil {
				return nil, err
			}
			return privKey, nil
		}
		return nil, err
	}

	return crypto.UnmarshalPrivateKey(keyBytes)
}

// IdentityPeerID returns the peer ID of the identity stored in baseDir,
// creating the identity if needed.
func IdentityPeerID(baseDir string) (peer.ID, error) {
	key, err := LoadIdentity(baseDir)
	if err != nil {
		return "", fmt.Errorf("load identity: %w", err)
	}
	return peer.IDFromPrivateKey(key)
}
