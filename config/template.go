package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const templateHeader = `# agentrelay configuration.
#
# Secrets are better supplied through the environment: RPC_URL, PRIVATE_KEY,
# AGENT_CONTRACT_ADDRESS, LEAD_MATRIX_TOKEN and, per persona,
# <NAME>_AGENT_KEY and <NAME>_MATRIX_TOKEN (e.g. TECHAGENT_MATRIX_TOKEN).

`

// ErrExists is returned by WriteTemplate when the target file exists.
var ErrExists = errors.New("config file already exists")

// Template renders the default configuration as TOML.
func Template() ([]byte, error) {
	v := viper.New()
	setDefaults(v)

	data, err := toml.Marshal(v.AllSettings())
	if err != nil {
		return nil, fmt.Errorf("encode config template: %w", err)
	}
	return append([]byte(templateHeader), data...), nil
}

// WriteTemplate writes Template to path. An existing file is only
// replaced when force is set.
func WriteTemplate(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}

	data, err := Template()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
