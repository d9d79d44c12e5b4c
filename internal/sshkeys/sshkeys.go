// Package sshkeys manages the identity used to log into remote nodes over a
// tunnel and records their host keys.
//
// The identity is a single ED25519 key pair at a fixed path (by default
// ~/.ssh/sagemaker-ssh-gw). The remote agent authorizes the public key, so
// the same pair must be reused across runs: EnsureIdentity only generates a
// pair when none exists.
package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/smssh/internal/logutil"
)

// GenerateKeyPair generates an ED25519 key pair and returns the OpenSSH
// format public key and the OpenSSH PEM private key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	privateKeyPEM = pem.EncodeToMemory(block)

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), privateKeyPEM, nil
}

// EnsureIdentity returns the public key of the identity at path, generating
// the pair first if the private key does not exist. The public key is also
// written to path+".pub" when missing.
func EnsureIdentity(path string) (publicKey []byte, created bool, err error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, false, fmt.Errorf("parse identity %s: %w", path, err)
		}
		publicKey = ssh.MarshalAuthorizedKey(signer.PublicKey())
		if _, err := os.Stat(path + ".pub"); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(path+".pub", publicKey, 0644); err != nil {
				return nil, false, fmt.Errorf("write public key: %w", err)
			}
		}
		return publicKey, false, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("read identity: %w", err)
	}

	publicKey, privateKey, err := GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, false, fmt.Errorf("create identity directory: %w", err)
	}
	if err := os.WriteFile(path, privateKey, 0600); err != nil {
		return nil, false, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(path+".pub", publicKey, 0644); err != nil {
		return nil, false, fmt.Errorf("write public key: %w", err)
	}
	log.Printf("[sshkeys] generated identity %s", logutil.SanitizeForLog(path))
	return publicKey, true, nil
}

// Fingerprint returns the SHA256 fingerprint of an authorized_keys line.
func Fingerprint(publicKey []byte) (string, error) {
	if len(publicKey) == 0 {
		return "", fmt.Errorf("get fingerprint: public key is empty")
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("get fingerprint: parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(parsed), nil
}
