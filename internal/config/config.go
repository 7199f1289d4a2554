// Package config loads the properties-style configuration file
// described in spec.md §6, grounded on matterircd's viper usage
// throughout bridge/slack: SetConfigType("properties") against a
// key=value file, no hand-rolled parser.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const defaultPort = 6667

// Config is the validated, typed view of the configuration file.
type Config struct {
	SlackToken string
	Password   string
	Port       int
	UnixSocket string
	DebugDump  bool
	Debug      bool
	Trace      bool
}

// Load reads and validates the configuration file at path. Any
// failure here is a fatal-startup error (spec.md §7): the caller
// should exit nonzero.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("properties")

	v.SetDefault("port", defaultPort)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errors.Wrap(err, "reading config")
	}

	token := strings.TrimSpace(v.GetString("slack_token"))
	if token == "" {
		return Config{}, errors.New("slack_token is required")
	}

	return Config{
		SlackToken: token,
		Password:   v.GetString("password"),
		Port:       v.GetInt("port"),
		UnixSocket: v.GetString("unix_socket"),
		DebugDump:  v.GetBool("debug_dump"),
		Debug:      v.GetBool("debug"),
		Trace:      v.GetBool("trace"),
	}, nil
}
