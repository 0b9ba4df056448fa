package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidahmann/vouch/core/chainlog"
	"github.com/davidahmann/vouch/core/schema/v1/trace"
	"github.com/davidahmann/vouch/core/zipx"
)

// runInspect prints the audit log of a package without verifying it. It is
// a reading aid; trust decisions belong to 'vouch verify'.
func runInspect(arguments []string) int {
	flagSet := flag.NewFlagSet("inspect", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var jsonOutput bool
	var helpFlag bool
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		fmt.Fprintln(os.Stderr, "vouch inspect:", err)
		return exitInvalidInput
	}
	if helpFlag {
		fmt.Fprintln(os.Stderr, "usage: vouch inspect [--json] <pkg.vch>")
		return exitOK
	}
	if len(flagSet.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "vouch inspect: exactly one package path is required")
		return exitInvalidInput
	}

	workDir, err := os.MkdirTemp("", "vouch-inspect-*")
	if err != nil {
		fmt.Fprintln(os.Stderr, "vouch inspect:", err)
		return exitInternalFailure
	}
	defer func() {
		_ = os.RemoveAll(workDir)
	}()
	if err := zipx.ExtractSafe(flagSet.Arg(0), workDir); err != nil {
		fmt.Fprintln(os.Stderr, "vouch inspect:", err)
		return exitInvalidInput
	}

	entries, err := chainlog.ReadLog(filepath.Join(workDir, trace.FileAuditLog))
	if err != nil {
		fmt.Fprintln(os.Stderr, "vouch inspect:", err)
		return exitInvalidInput
	}

	if jsonOutput {
		encoded, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, "vouch inspect:", err)
			return exitInternalFailure
		}
		fmt.Println(string(encoded))
		return exitOK
	}
	for _, entry := range entries {
		line := fmt.Sprintf("%4d  %s  %s(%s)", entry.SequenceNumber, entry.Timestamp, entry.Target, strings.Join(entry.ArgsRepr, ", "))
		if entry.ResultRepr != "" && entry.ResultRepr != "<nil>" {
			line += " -> " + entry.ResultRepr
		}
		if entry.Error != "" {
			line += " !! " + entry.Error
		}
		fmt.Println(line)
	}
	return exitOK
}
