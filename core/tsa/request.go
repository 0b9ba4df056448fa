package tsa

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
)

const maxResponseBytes = 4 * 1024 * 1024

// Client talks RFC 3161 to a Time-Stamping Authority. The zero value uses
// http.DefaultClient; callers wanting timeouts supply their own HTTPClient
// (this package adds no retry or timeout of its own).
type Client struct {
	HTTPClient *http.Client
}

// RequestTimestamp builds a TimeStampReq over the SHA-256 digest of the
// file, POSTs it to tsaURL, and returns the raw DER TimeStampResp after
// checking that the TSA granted the request.
func (c *Client) RequestTimestamp(filePath, tsaURL string) ([]byte, error) {
	digest, err := fileSHA256(filePath)
	if err != nil {
		return nil, err
	}

	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	request := timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: pkix.AlgorithmIdentifier{
				Algorithm:  oidSHA256,
				Parameters: asn1.NullRawValue,
			},
			HashedMessage: digest,
		},
		Nonce:   nonce,
		CertReq: true,
	}
	requestDER, err := asn1.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encode timestamp request: %w", err)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	httpRequest, err := http.NewRequest(http.MethodPost, tsaURL, bytes.NewReader(requestDER))
	if err != nil {
		return nil, fmt.Errorf("build timestamp request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/timestamp-query")

	response, err := httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("contact timestamp server: %w", err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("timestamp server returned status %d", response.StatusCode)
	}
	tokenDER, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read timestamp response: %w", err)
	}

	var parsed timeStampResp
	if _, err := asn1.Unmarshal(tokenDER, &parsed); err != nil {
		return nil, fmt.Errorf("invalid timestamp response: %w", err)
	}
	if parsed.Status.Status != statusGranted && parsed.Status.Status != statusGrantedWithMods {
		return nil, fmt.Errorf("timestamp request failed: status %d", parsed.Status.Status)
	}
	if len(parsed.Token.FullBytes) == 0 {
		return nil, fmt.Errorf("timestamp response granted but carries no token")
	}
	return tokenDER, nil
}

func fileSHA256(path string) ([]byte, error) {
	// #nosec G304 -- the caller supplies the file to be timestamped.
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file for timestamping: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	digest := sha256.New()
	if _, err := io.Copy(digest, file); err != nil {
		return nil, fmt.Errorf("hash file: %w", err)
	}
	return digest.Sum(nil), nil
}
