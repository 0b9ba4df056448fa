package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/davidahmann/vouch/core/projectconfig"
	"github.com/davidahmann/vouch/core/verify"
)

type verifyOutput struct {
	OK       bool           `json:"ok"`
	Package  string         `json:"package"`
	Checks   []verify.Check `json:"checks"`
	Errors   []string       `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// dataFlag collects repeated --data NAME=PATH mappings.
type dataFlag map[string]string

func (d dataFlag) String() string {
	parts := make([]string, 0, len(d))
	for name, path := range d {
		parts = append(parts, name+"="+path)
	}
	return strings.Join(parts, ",")
}

func (d dataFlag) Set(value string) error {
	name, path, found := strings.Cut(value, "=")
	if !found || name == "" || path == "" {
		return fmt.Errorf("expected NAME=PATH, got %q", value)
	}
	d[name] = path
	return nil
}

func runVerifyCommand(arguments []string) int {
	flagSet := flag.NewFlagSet("verify", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	dataPaths := dataFlag{}
	var publicKey string
	var tsaCA string
	var strict bool
	var autoData bool
	var autoDataDir string
	var configPath string
	var jsonOutput bool
	var helpFlag bool

	flagSet.Var(dataPaths, "data", "tracked file mapping NAME=PATH (repeatable)")
	flagSet.StringVar(&publicKey, "public-key", "", "trusted public key or certificate PEM")
	flagSet.StringVar(&tsaCA, "tsa-ca", "", "CA bundle for timestamp chain-of-trust checks")
	flagSet.BoolVar(&strict, "strict", false, "treat unverifiable tracked files as failures")
	flagSet.BoolVar(&autoData, "auto-data", false, "resolve tracked files at their recorded paths")
	flagSet.StringVar(&autoDataDir, "auto-data-dir", "", "resolve tracked files by basename under this directory")
	flagSet.StringVar(&configPath, "config", projectconfig.DefaultPath, "project config path")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		fmt.Fprintln(os.Stderr, "vouch verify:", err)
		return exitInvalidInput
	}
	if helpFlag {
		fmt.Fprintln(os.Stderr, "usage: vouch verify [--public-key PEM] [--tsa-ca PEM] [--data NAME=PATH] [--auto-data] [--auto-data-dir DIR] [--config PATH] [--strict] [--json] <pkg.vch>")
		return exitOK
	}
	if len(flagSet.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "vouch verify: exactly one package path is required")
		return exitInvalidInput
	}
	packagePath := flagSet.Arg(0)

	configuration, err := projectconfig.Load(configPath, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vouch verify:", err)
		return exitInvalidInput
	}
	if publicKey == "" {
		publicKey = configuration.Verify.PublicKey
	}
	if tsaCA == "" {
		tsaCA = configuration.Verify.TSACACert
	}

	valid, report := verify.Verify(verify.Options{
		PackagePath:   packagePath,
		PublicKeyPath: publicKey,
		TSACACert:     tsaCA,
		Strict:        strict,
		DataPaths:     dataPaths,
		AutoData:      autoData,
		AutoDataDir:   autoDataDir,
	})

	output := verifyOutput{
		OK:       valid,
		Package:  packagePath,
		Checks:   report.Checks,
		Errors:   report.Errors,
		Warnings: report.Warnings,
	}
	if jsonOutput {
		encoded, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, "vouch: encode output:", err)
			return exitInternalFailure
		}
		fmt.Println(string(encoded))
	} else {
		printVerifyReport(output)
	}
	if !valid {
		return exitVerifyFailed
	}
	return exitOK
}

func printVerifyReport(output verifyOutput) {
	for _, check := range output.Checks {
		status := "ok"
		if !check.Valid {
			status = "FAIL"
		}
		fmt.Printf("  [%-4s] %-13s %s\n", status, check.Name, check.Message)
	}
	for _, warning := range output.Warnings {
		fmt.Println("  warning:", warning)
	}
	if output.OK {
		fmt.Println("PASS:", output.Package)
	} else {
		fmt.Println("FAIL:", output.Package)
	}
}
