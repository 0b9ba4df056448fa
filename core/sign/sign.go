package sign

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"os"
)

const keySize = 2048

// pssOptions uses the maximum salt length with a SHA-256 digest; strong
// margins without curve-selection complexity.
var pssOptions = rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthAuto,
	Hash:       crypto.SHA256,
}

// GenerateEphemeralKey creates a single-session signing key that is never
// persisted.
func GenerateEphemeralKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return key, nil
}

// SignFile signs the content of a file with RSA-PSS and returns the raw
// signature bytes.
func SignFile(key *rsa.PrivateKey, path string) ([]byte, error) {
	// #nosec G304 -- signing targets live inside the session workspace.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file for signing: %w", err)
	}
	digest := sha256.Sum256(data)
	signature, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], &pssOptions)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", path, err)
	}
	return signature, nil
}

// VerifyFile checks an RSA-PSS signature over a file's content, returning
// an error on any mismatch.
func VerifyFile(pub *rsa.PublicKey, path string, signature []byte) error {
	// #nosec G304 -- verification reads operator-supplied package contents.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file for verification: %w", err)
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, &pssOptions); err != nil {
		return fmt.Errorf("signature verification failed for %s: %w", path, err)
	}
	return nil
}
