package wallet

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds everything the wallet reads from ~/.mww/config.yaml.
// Every field has a default so a missing config file just means defaults.
type Config struct {
	Dir              string `mapstructure:"dir"`
	NodeAddress      string `mapstructure:"node_address"`
	BaseFee          uint64 `mapstructure:"base_fee"`
	MinConfirmations uint64 `mapstructure:"min_confirmations"`
	Strategy         string `mapstructure:"strategy"`
	SlateTTLSeconds  int64  `mapstructure:"slate_ttl_seconds"`
	Fluff            bool   `mapstructure:"fluff"`
}

func defaultDir() string {
	dir, err := homedir.Dir()
	if err != nil {
		panic("cannot get homedir")
	}
	return filepath.Join(dir, ".mww")
}

// LoadConfig reads the config file from the wallet dir, honoring the MWW_DIR
// environment variable. A missing file is not an error.
func LoadConfig() (*Config, error) {
	dir := os.Getenv("MWW_DIR")
	if dir == "" {
		dir = defaultDir()
	}

	v := viper.New()
	v.SetDefault("dir", dir)
	v.SetDefault("node_address", "tcp://0.0.0.0:26657")
	v.SetDefault("base_fee", uint64(DefaultBaseFee))
	v.SetDefault("min_confirmations", uint64(10))
	v.SetDefault("strategy", "smallest")
	v.SetDefault("slate_ttl_seconds", int64(0))
	v.SetDefault("fluff", false)

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); err == nil {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "viper failed to read config file")
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.Wrap(err, "viper failed to unmarshal config")
	}

	return config, nil
}
