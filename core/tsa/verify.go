package tsa

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"os"

	// Link the digest implementations digestHashByOID can return.
	_ "crypto/sha256"
	_ "crypto/sha512"

	voucherrors "github.com/davidahmann/vouch/core/errors"
)

// VerifyTimestamp checks a stored RFC 3161 token against the file it claims
// to cover. Every sub-step failure is a hard failure; timestamp validity is
// a security property and fails closed in both strict and normal mode.
//
// Steps: parse the response and require a granted status; re-derive the
// file's SHA-256 and compare it to the TSTInfo message imprint; locate the
// signer certificate; verify the CMS signature over the signed attributes
// (after confirming the embedded message-digest attribute matches the
// recomputed content digest, which blocks signature grafting) or over the
// raw content when no signed attributes are present; and, when a CA bundle
// is supplied, walk the issuer chain.
func VerifyTimestamp(filePath, tokenPath, caFile string) error {
	// #nosec G304 -- verification reads operator-supplied package contents.
	tokenDER, err := os.ReadFile(tokenPath)
	if err != nil {
		return fmt.Errorf("read timestamp token: %w", err)
	}

	var response timeStampResp
	if _, err := asn1.Unmarshal(tokenDER, &response); err != nil {
		return integrityErr(fmt.Errorf("parse timestamp response: %w", err))
	}
	if response.Status.Status != statusGranted && response.Status.Status != statusGrantedWithMods {
		return integrityErr(fmt.Errorf("timestamp token status is %d", response.Status.Status))
	}

	var token contentInfo
	if _, err := asn1.Unmarshal(response.Token.FullBytes, &token); err != nil {
		return integrityErr(fmt.Errorf("parse timestamp token: %w", err))
	}
	if !token.ContentType.Equal(oidSignedData) {
		return integrityErr(fmt.Errorf("timestamp token is not CMS SignedData: %v", token.ContentType))
	}
	var signed signedData
	if _, err := asn1.Unmarshal(token.Content.Bytes, &signed); err != nil {
		return integrityErr(fmt.Errorf("parse SignedData: %w", err))
	}
	if !signed.EncapContentInfo.EContentType.Equal(oidTSTInfo) {
		return integrityErr(fmt.Errorf("encapsulated content is not TSTInfo: %v", signed.EncapContentInfo.EContentType))
	}
	contentBytes := signed.EncapContentInfo.EContent
	if len(contentBytes) == 0 {
		return integrityErr(fmt.Errorf("timestamp token carries no TSTInfo content"))
	}

	var info tstInfo
	if _, err := asn1.Unmarshal(contentBytes, &info); err != nil {
		return integrityErr(fmt.Errorf("parse TSTInfo: %w", err))
	}

	// 1. Message imprint must match the file as it exists now.
	if _, err := digestHashByOID(info.MessageImprint.HashAlgorithm.Algorithm); err != nil {
		return integrityErr(err)
	}
	if !info.MessageImprint.HashAlgorithm.Algorithm.Equal(oidSHA256) {
		return integrityErr(fmt.Errorf("unsupported imprint algorithm in token: %v", info.MessageImprint.HashAlgorithm.Algorithm))
	}
	actual, err := fileSHA256(filePath)
	if err != nil {
		return err
	}
	if !bytes.Equal(actual, info.MessageImprint.HashedMessage) {
		return integrityErr(fmt.Errorf("timestamp hash mismatch: token does not cover this file"))
	}

	// 2. Cryptographic signature by the TSA.
	if len(signed.SignerInfos) == 0 {
		return integrityErr(fmt.Errorf("timestamp token has no signer"))
	}
	signer := signed.SignerInfos[0]
	certs, err := parseTokenCertificates(signed.Certificates)
	if err != nil {
		return integrityErr(err)
	}
	signerCert := findSignerCertificate(signer.SID, certs)
	if signerCert == nil {
		return integrityErr(fmt.Errorf("signer certificate not found in token"))
	}
	if err := verifySignerSignature(signer, signerCert, contentBytes); err != nil {
		return integrityErr(err)
	}

	// 3. Issuer chain against the supplied CA bundle, when given.
	if caFile != "" {
		if err := VerifyChainOfTrust(signerCert, certs, caFile); err != nil {
			return err
		}
	}
	return nil
}

func integrityErr(err error) error {
	return voucherrors.Wrap(err, voucherrors.CategoryIntegrity, "timestamp_invalid",
		"the timestamp token does not prove this file existed at the claimed time")
}

func parseTokenCertificates(raw asn1.RawValue) ([]*x509.Certificate, error) {
	if len(raw.Bytes) == 0 {
		return nil, nil
	}
	certs, err := x509.ParseCertificates(raw.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse token certificates: %w", err)
	}
	return certs, nil
}

func findSignerCertificate(sid asn1.RawValue, certs []*x509.Certificate) *x509.Certificate {
	var ias issuerAndSerialNumber
	if _, err := asn1.Unmarshal(sid.FullBytes, &ias); err == nil && ias.SerialNumber != nil {
		for _, cert := range certs {
			if cert.SerialNumber.Cmp(ias.SerialNumber) == 0 && bytes.Equal(cert.RawIssuer, ias.Issuer.FullBytes) {
				return cert
			}
		}
		return nil
	}
	// SubjectKeyIdentifier form: [0] OCTET STRING.
	if sid.Tag == 0 && sid.Class == asn1.ClassContextSpecific {
		for _, cert := range certs {
			if bytes.Equal(cert.SubjectKeyId, sid.Bytes) {
				return cert
			}
		}
	}
	return nil
}

func verifySignerSignature(signer signerInfo, cert *x509.Certificate, contentBytes []byte) error {
	hash, err := digestHashByOID(signer.DigestAlgorithm.Algorithm)
	if err != nil {
		return err
	}

	signedBytes := contentBytes
	if len(signer.SignedAttrs.FullBytes) > 0 {
		attrs, err := parseSignedAttributes(signer.SignedAttrs)
		if err != nil {
			return err
		}
		// The message-digest attribute must match the recomputed digest of
		// the content, otherwise a valid signature could be grafted onto
		// different content.
		embedded, found := attrs[oidMessageDigest.String()]
		if !found {
			return fmt.Errorf("signed attributes present but message-digest attribute missing")
		}
		hasher := hash.New()
		hasher.Write(contentBytes)
		if !bytes.Equal(embedded, hasher.Sum(nil)) {
			return fmt.Errorf("signed-attribute message digest mismatch (signature grafting detected)")
		}
		// RFC 5652 §5.4: the signature covers the DER of the attributes
		// with the universal SET tag, not the implicit [0] tag on the wire.
		signedBytes = retagAsSet(signer.SignedAttrs.FullBytes)
	}

	hasher := hash.New()
	hasher.Write(signedBytes)
	digest := hasher.Sum(nil)

	algorithm := signer.SignatureAlgorithm.Algorithm
	switch {
	case algorithm.Equal(oidRSASSAPSS):
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("PSS signature but certificate key is not RSA")
		}
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: hash}
		if err := rsa.VerifyPSS(pub, hash, digest, signer.Signature, opts); err != nil {
			return fmt.Errorf("timestamp signature invalid: %w", err)
		}
	case algorithm.Equal(oidRSAEncryption) || algorithm.Equal(oidSHA256WithRSA):
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("RSA signature but certificate key is not RSA")
		}
		if err := rsa.VerifyPKCS1v15(pub, hash, digest, signer.Signature); err != nil {
			return fmt.Errorf("timestamp signature invalid: %w", err)
		}
	case algorithm.Equal(oidECDSAWithSHA256):
		pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("ECDSA signature but certificate key is not ECDSA")
		}
		if !ecdsa.VerifyASN1(pub, digest, signer.Signature) {
			return fmt.Errorf("timestamp signature invalid")
		}
	default:
		return fmt.Errorf("unsupported signature algorithm: %v", algorithm)
	}
	return nil
}

func parseSignedAttributes(raw asn1.RawValue) (map[string][]byte, error) {
	var attrs []attribute
	if _, err := asn1.UnmarshalWithParams(retagAsSet(raw.FullBytes), &attrs, "set"); err != nil {
		return nil, fmt.Errorf("parse signed attributes: %w", err)
	}
	out := make(map[string][]byte, len(attrs))
	for _, attr := range attrs {
		// Each attribute value is a SET OF; take the first element's
		// contents (the OCTET STRING body for message-digest).
		var value asn1.RawValue
		if _, err := asn1.Unmarshal(attr.Values.Bytes, &value); err != nil {
			continue
		}
		out[attr.Type.String()] = value.Bytes
	}
	return out, nil
}

// retagAsSet swaps the leading implicit [0] tag for the universal SET tag.
// Both are single-byte tags, so the length octets are untouched.
func retagAsSet(fullBytes []byte) []byte {
	if len(fullBytes) == 0 {
		return fullBytes
	}
	out := make([]byte, len(fullBytes))
	copy(out, fullBytes)
	out[0] = 0x31
	return out
}

// VerifyChainOfTrust walks the signer's issuer chain against a CA bundle,
// checking validity windows and issuer signatures.
func VerifyChainOfTrust(cert *x509.Certificate, tokenCerts []*x509.Certificate, caFile string) error {
	// #nosec G304 -- the CA bundle path is supplied by the verifier's caller.
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return fmt.Errorf("read CA bundle: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caPEM) {
		return fmt.Errorf("no usable certificates in CA bundle %s", caFile)
	}
	intermediates := x509.NewCertPool()
	for _, tokenCert := range tokenCerts {
		if !tokenCert.Equal(cert) {
			intermediates.AddCert(tokenCert)
		}
	}
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return voucherrors.Wrap(
			fmt.Errorf("timestamp signer chain of trust failed: %w", err),
			voucherrors.CategoryIntegrity, "timestamp_chain_invalid",
			"the TSA certificate does not chain to the supplied CA bundle",
		)
	}
	return nil
}
