package projectconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

const DefaultPath = ".vouch/config.yaml"

// Config carries project-level defaults for recording sessions. Command-line
// flags override anything set here.
type Config struct {
	Session SessionDefaults `yaml:"session"`
	Verify  VerifyDefaults  `yaml:"verify"`
}

type SessionDefaults struct {
	Strict          bool   `yaml:"strict"`
	LightMode       bool   `yaml:"light_mode"`
	Seed            *int64 `yaml:"seed"`
	PrivateKey      string `yaml:"private_key"` // #nosec G117 -- config key name documents expected secret input.
	TSAURL          string `yaml:"tsa_url"`
	MaxArtifactSize int64  `yaml:"max_artifact_size"`
	CaptureScript   bool   `yaml:"capture_script"`
	CaptureGit      bool   `yaml:"capture_git"`
}

type VerifyDefaults struct {
	PublicKey string `yaml:"public_key"`
	TSACACert string `yaml:"tsa_ca_cert"`
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("project config path is required")
	}

	// #nosec G304 -- project config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read project config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Config{}, nil
	}

	var configuration Config
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, fmt.Errorf("parse project config: %w", err)
	}
	configuration.normalize()
	return configuration, nil
}

func (configuration *Config) normalize() {
	configuration.Session.PrivateKey = strings.TrimSpace(configuration.Session.PrivateKey)
	configuration.Session.TSAURL = strings.TrimSpace(configuration.Session.TSAURL)
	configuration.Verify.PublicKey = strings.TrimSpace(configuration.Verify.PublicKey)
	configuration.Verify.TSACACert = strings.TrimSpace(configuration.Verify.TSACACert)
}
