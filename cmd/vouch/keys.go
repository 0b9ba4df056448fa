package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/davidahmann/vouch/core/sign"
)

type genKeysOutput struct {
	OK             bool   `json:"ok"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	PublicKeyPath  string `json:"public_key_path,omitempty"`
	CertPath       string `json:"cert_path,omitempty"`
	Error          string `json:"error,omitempty"`
}

func runGenKeys(arguments []string) int {
	flagSet := flag.NewFlagSet("gen-keys", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var outDir string
	var password string
	var withCert bool
	var days int
	var commonName string
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&outDir, "out-dir", ".vouch", "directory for generated key files")
	flagSet.StringVar(&password, "password", "", "encrypt the private key with this password")
	flagSet.BoolVar(&withCert, "cert", false, "also write a self-signed certificate")
	flagSet.IntVar(&days, "days", 365, "certificate validity in days")
	flagSet.StringVar(&commonName, "cn", "", "certificate common name")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeGenKeysOutput(jsonOutput, genKeysOutput{Error: err.Error()}, exitInvalidInput)
	}
	if helpFlag {
		fmt.Fprintln(os.Stderr, "usage: vouch gen-keys [--out-dir DIR] [--password PW] [--cert] [--days N] [--cn NAME] [--json]")
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeGenKeysOutput(jsonOutput, genKeysOutput{Error: "unexpected positional arguments"}, exitInvalidInput)
	}

	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return writeGenKeysOutput(jsonOutput, genKeysOutput{Error: err.Error()}, exitInternalFailure)
	}
	opts := sign.GenerateOptions{
		PrivateKeyPath: filepath.Join(outDir, "id_rsa"),
		PublicKeyPath:  filepath.Join(outDir, "id_rsa.pub"),
		Days:           days,
		CommonName:     commonName,
	}
	if password != "" {
		opts.Password = []byte(password)
	}
	if withCert {
		opts.CertPath = filepath.Join(outDir, "cert.pem")
	}
	if err := sign.GenerateKeys(opts); err != nil {
		return writeGenKeysOutput(jsonOutput, genKeysOutput{Error: err.Error()}, exitInternalFailure)
	}
	return writeGenKeysOutput(jsonOutput, genKeysOutput{
		OK:             true,
		PrivateKeyPath: opts.PrivateKeyPath,
		PublicKeyPath:  opts.PublicKeyPath,
		CertPath:       opts.CertPath,
	}, exitOK)
}

func writeGenKeysOutput(jsonOutput bool, output genKeysOutput, code int) int {
	if jsonOutput {
		encoded, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, "vouch: encode output:", err)
			return exitInternalFailure
		}
		fmt.Println(string(encoded))
		return code
	}
	if output.Error != "" {
		fmt.Fprintln(os.Stderr, "vouch gen-keys:", output.Error)
		return code
	}
	fmt.Println("private key:", output.PrivateKeyPath)
	fmt.Println("public key: ", output.PublicKeyPath)
	if output.CertPath != "" {
		fmt.Println("certificate:", output.CertPath)
	}
	return code
}
