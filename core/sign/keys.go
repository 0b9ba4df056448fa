package sign

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/youmark/pkcs8"

	voucherrors "github.com/davidahmann/vouch/core/errors"
)

// Sentinel errors let callers distinguish the three load failures an
// operator must handle differently.
var (
	ErrPasswordRequired = errors.New("private key is encrypted but no password was provided")
	ErrWrongPassword    = errors.New("incorrect password for private key")
)

// GenerateOptions configures GenerateKeys.
type GenerateOptions struct {
	PrivateKeyPath string
	PublicKeyPath  string
	// Password encrypts the private key at rest when non-empty.
	Password []byte
	// CertPath, when set, also writes a self-signed X.509 certificate.
	CertPath string
	// Days is the certificate validity window (default 365).
	Days int
	// CommonName overrides the default certificate subject CN.
	CommonName string
}

// GenerateKeys creates an RSA-2048 keypair, writes the private key as
// PKCS#8 PEM (encrypted iff a password is given), the public key as
// SubjectPublicKeyInfo PEM, and optionally a self-signed certificate.
func GenerateKeys(opts GenerateOptions) error {
	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}

	privPEM, err := encodePrivateKeyPEM(key, opts.Password)
	if err != nil {
		return voucherrors.Wrap(
			fmt.Errorf("encode private key for %s: %w", opts.PrivateKeyPath, err),
			voucherrors.CategoryConfiguration, "key_encode_failed",
			"check the key path is writable and the password is valid UTF-8",
		)
	}
	if err := os.WriteFile(opts.PrivateKeyPath, privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	pubPEM, err := EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return err
	}
	if err := os.WriteFile(opts.PublicKeyPath, pubPEM, 0o644); err != nil { // #nosec G306 -- public key is public material.
		return fmt.Errorf("write public key: %w", err)
	}

	if opts.CertPath != "" {
		certPEM, err := selfSignedCertificatePEM(key, opts.Days, opts.CommonName)
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.CertPath, certPEM, 0o644); err != nil { // #nosec G306 -- certificate is public material.
			return fmt.Errorf("write certificate: %w", err)
		}
	}
	return nil
}

func encodePrivateKeyPEM(key *rsa.PrivateKey, password []byte) ([]byte, error) {
	if len(password) == 0 {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, err
		}
		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
	}
	der, err := pkcs8.ConvertPrivateKeyToPKCS8(key, password)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der}), nil
}

// LoadPrivateKey reads a PKCS#8 PEM private key, decrypting with password
// when the key is protected. Missing-password, wrong-password, and
// file-not-found failures are distinguishable via errors.Is.
func LoadPrivateKey(path string, password []byte) (*rsa.PrivateKey, error) {
	// #nosec G304 -- the caller supplies a local key path by design.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, voucherrors.Wrap(
				fmt.Errorf("private key file not found: %s: %w", path, err),
				voucherrors.CategoryConfiguration, "key_not_found",
				"generate keys with 'vouch gen-keys'",
			)
		}
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key file %s", path)
	}

	switch block.Type {
	case "ENCRYPTED PRIVATE KEY":
		if len(password) == 0 {
			return nil, voucherrors.Wrap(
				fmt.Errorf("%w\n  key file: %s", ErrPasswordRequired, path),
				voucherrors.CategoryConfiguration, "key_password_required",
				"pass the private key password to the session",
			)
		}
		key, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes, password)
		if err != nil {
			return nil, voucherrors.Wrap(
				fmt.Errorf("%w\n  key file: %s: %v", ErrWrongPassword, path, err),
				voucherrors.CategoryConfiguration, "key_password_wrong",
				"check the password, or regenerate keys with 'vouch gen-keys --password'",
			)
		}
		return key, nil
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", path, err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key %s is not RSA", path)
		}
		return key, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", path, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported private key PEM type %q in %s", block.Type, path)
	}
}

// LoadPublicKey accepts either a raw SubjectPublicKeyInfo PEM or an X.509
// certificate PEM. An expired or not-yet-valid certificate still yields its
// key, with a warning; strict trust decisions belong to the verifier.
func LoadPublicKey(path string) (*rsa.PublicKey, []string, error) {
	// #nosec G304 -- the caller supplies a local key path by design.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, nil, fmt.Errorf("no PEM block in %s", path)
	}

	switch block.Type {
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, nil, fmt.Errorf("parse public key %s: %w", path, err)
		}
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, nil, fmt.Errorf("public key %s is not RSA", path)
		}
		return pub, nil, nil
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, nil, fmt.Errorf("parse certificate %s: %w", path, err)
		}
		var warnings []string
		now := time.Now().UTC()
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			warnings = append(warnings, fmt.Sprintf(
				"certificate is expired or not yet valid (valid %s to %s)",
				cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339)))
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, nil, fmt.Errorf("certificate %s does not carry an RSA key", path)
		}
		return pub, warnings, nil
	default:
		return nil, nil, fmt.Errorf("could not deserialize key/certificate from %s (PEM type %q)", path, block.Type)
	}
}

// EncodePublicKeyPEM renders a public key as SubjectPublicKeyInfo PEM.
func EncodePublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func selfSignedCertificatePEM(key *rsa.PrivateKey, days int, commonName string) ([]byte, error) {
	if days <= 0 {
		days = 365
	}
	if commonName == "" {
		commonName = "vouch-generated-cert"
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certificate serial: %w", err)
	}
	now := time.Now().UTC()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Country:      []string{"XX"},
			Province:     []string{"Vouch Audit"},
			Locality:     []string{"Vouch"},
			Organization: []string{"Vouch User"},
			CommonName:   commonName,
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, days),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}
