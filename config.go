package fromchat

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config holds the account and server settings for one local user.
type Config struct {
	UserID string `yaml:"userID"`
	Server string `yaml:"server"`

	StorageDir         string `yaml:"storageDir"`
	StoragePassword    string `yaml:"storagePassword"`
	UnencryptedStorage bool   `yaml:"unencryptedStorage"`

	// Password authenticates to the server and derives the session
	// backup key. Token is the server auth token obtained at login and
	// sent as a bearer token on every call.
	Password string `yaml:"password"`
	Token    string `yaml:"token"`

	LogLevel       string `yaml:"loglevel"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// ReadConfig reads a YAML config file.
func ReadConfig(fileName string) (*Config, error) {
	b, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}
	return cfg, nil
}
