package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/davidahmann/vouch/core/chainlog"
	"github.com/davidahmann/vouch/core/projectconfig"
	"github.com/davidahmann/vouch/core/session"
)

// runRecord records a demonstration session: it logs a couple of sample
// calls, captures any artifact paths given as positional arguments, and
// seals everything into a signed .vch package.
func runRecord(arguments []string) int {
	flagSet := flag.NewFlagSet("record", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var outPath string
	var keyPath string
	var password string
	var strict bool
	var lightMode bool
	var seed int64
	var seedSet bool
	var tsaURL string
	var allowEphemeral bool
	var captureScript bool
	var captureGit bool
	var configPath string
	var helpFlag bool

	flagSet.StringVar(&outPath, "out", "run.vch", "destination for the evidence package")
	flagSet.StringVar(&keyPath, "key", "", "private key for signing (default: autodetect)")
	flagSet.StringVar(&password, "password", "", "password for an encrypted private key")
	flagSet.BoolVar(&strict, "strict", false, "fail fast instead of degrading")
	flagSet.BoolVar(&lightMode, "light", false, "skip content hashing of call payloads")
	flagSet.Int64Var(&seed, "seed", 0, "seed the session RNG and record the enforcement")
	flagSet.StringVar(&tsaURL, "tsa-url", "", "RFC 3161 timestamp authority URL")
	flagSet.BoolVar(&allowEphemeral, "allow-ephemeral", false, "permit a throwaway signing key when none is found")
	flagSet.BoolVar(&captureScript, "script", false, "bundle the invoking binary as a __script__ artifact")
	flagSet.BoolVar(&captureGit, "git", false, "bundle git metadata")
	flagSet.StringVar(&configPath, "config", projectconfig.DefaultPath, "project config path")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		fmt.Fprintln(os.Stderr, "vouch record:", err)
		return exitInvalidInput
	}
	if helpFlag {
		fmt.Fprintln(os.Stderr, "usage: vouch record [flags] [artifact...]")
		return exitOK
	}
	flagSet.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			seedSet = true
		}
	})

	configuration, err := projectconfig.Load(configPath, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vouch record:", err)
		return exitInvalidInput
	}

	opts := session.Options{
		OutputPath:      outPath,
		Strict:          strict || configuration.Session.Strict,
		LightMode:       lightMode || configuration.Session.LightMode,
		PrivateKeyPath:  keyPath,
		TSAURL:          tsaURL,
		AllowEphemeral:  allowEphemeral,
		CaptureScript:   captureScript || configuration.Session.CaptureScript,
		CaptureGit:      captureGit || configuration.Session.CaptureGit,
		MaxArtifactSize: configuration.Session.MaxArtifactSize,
	}
	if opts.PrivateKeyPath == "" {
		opts.PrivateKeyPath = configuration.Session.PrivateKey
	}
	if opts.TSAURL == "" {
		opts.TSAURL = configuration.Session.TSAURL
	}
	if password != "" {
		opts.KeyPassword = []byte(password)
	}
	if seedSet {
		opts.Seed = &seed
	} else if configuration.Session.Seed != nil {
		opts.Seed = configuration.Session.Seed
	}

	ctx := context.Background()
	s, err := session.Begin(ctx, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vouch record:", err)
		return exitInternalFailure
	}

	for _, artifact := range flagSet.Args() {
		if err := s.AddArtifact(artifact, ""); err != nil {
			fmt.Fprintln(os.Stderr, "vouch record:", err)
			_, _ = s.Close(ctx)
			return exitInvalidInput
		}
	}

	demoErr := s.LogCall(chainlog.Call{
		Target: "demo.add",
		Args:   []any{2, 3},
		Result: 5,
	})
	if demoErr == nil {
		demoErr = s.Annotate("recorded_by", "vouch record")
	}
	if demoErr != nil {
		fmt.Fprintln(os.Stderr, "vouch record:", demoErr)
		_, _ = s.Close(ctx)
		return exitInternalFailure
	}

	packagePath, err := s.Close(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vouch record:", err)
		return exitInternalFailure
	}
	for _, warning := range s.Warnings() {
		fmt.Fprintln(os.Stderr, "warning:", warning)
	}
	fmt.Println("wrote", packagePath)
	return exitOK
}
