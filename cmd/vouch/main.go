package main

import (
	"fmt"
	"os"

	"github.com/davidahmann/vouch/core/schema/v1/trace"
)

// version is stamped at release time via ldflags; default tracks the
// schema's producer version for local builds.
var version = trace.ProducerVersion

const (
	exitOK              = 0
	exitVerifyFailed    = 1
	exitInvalidInput    = 2
	exitInternalFailure = 3
)

func main() {
	os.Exit(run(os.Args))
}

func run(arguments []string) int {
	if len(arguments) < 2 {
		printUsage()
		return exitInvalidInput
	}
	switch arguments[1] {
	case "record":
		return runRecord(arguments[2:])
	case "verify":
		return runVerifyCommand(arguments[2:])
	case "gen-keys":
		return runGenKeys(arguments[2:])
	case "inspect":
		return runInspect(arguments[2:])
	case "version", "--version", "-v":
		fmt.Println("vouch", version)
		return exitOK
	case "--help", "-h", "help":
		printUsage()
		return exitOK
	default:
		printUsage()
		return exitInvalidInput
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `vouch - tamper-evident audit trails for automated runs

Usage:
  vouch record   [flags]            record a demo session into a .vch package
  vouch verify   [flags] <pkg.vch>  verify a package
  vouch gen-keys [flags]            generate an RSA signing keypair
  vouch inspect  [flags] <pkg.vch>  print the audit log of a package
  vouch version                     print the CLI version`)
}
