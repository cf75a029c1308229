// Package config loads the supervisor configuration.
//
// Configuration is read from a YAML file and can be overridden with KEEPER_*
// environment variables. Command line flags override both.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "/etc/keeper/keeper.yml"

const (
	EnvPidFile     = "KEEPER_PID_FILE"
	EnvDaemon      = "KEEPER_DAEMON"
	EnvProcessName = "KEEPER_PROCESS_NAME"
	EnvUser        = "KEEPER_USER"
	EnvGroup       = "KEEPER_GROUP"
	EnvBootstrap   = "KEEPER_BOOTSTRAP"
	EnvLogLevel    = "KEEPER_LOG_LEVEL"
)

var ErrInvalid = errors.New("invalid configuration")

// Bool is a boolean which can also be given as a "true" or "false" string.
type Bool bool

// ParseBool parses value as a boolean. Strings are compared case-insensitively
// and besides "true" and "false" also "1", "0", "yes", "no", "on" and "off" are accepted.
func ParseBool(value any) (Bool, errors.E) {
	switch v := value.(type) {
	case bool:
		return Bool(v), nil
	case Bool:
		return v, nil
	case int:
		return v != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off", "":
			return false, nil
		}
	}
	errE := errors.Errorf("%w: not a boolean", ErrInvalid)
	errors.Details(errE)["value"] = fmt.Sprintf("%v", value)
	return false, errE
}

// Config is the supervisor configuration. Unset (zero) fields leave the
// corresponding supervisor setting unchanged.
type Config struct {
	PidFile     string   `yaml:"pid_file"`
	Daemon      *Bool    `yaml:"daemon"`
	ProcessName string   `yaml:"process_name"`
	User        string   `yaml:"user"`
	Group       string   `yaml:"group"`
	Bootstrap   []string `yaml:"bootstrap"`
	LogLevel    string   `yaml:"log_level"`
}

// Load reads the configuration from the YAML file at path. The file is decoded
// into a map and converted with FromMap, so booleans can also be strings and
// bootstrap can also be a comma separated list. When the file at DefaultPath
// does not exist, an empty configuration is returned.
func Load(path string) (Config, errors.E) {
	var cfg Config
	data, e := os.ReadFile(path)
	if e != nil {
		if errors.Is(e, os.ErrNotExist) && path == DefaultPath {
			return cfg, nil
		}
		errE := errors.WithMessage(e, "unable to read configuration")
		errors.Details(errE)["path"] = path
		return cfg, errE
	}
	var m map[string]any
	e = yaml.Unmarshal(data, &m)
	if e != nil {
		errE := errors.WithMessage(e, "unable to parse configuration")
		errors.Details(errE)["path"] = path
		return cfg, errE
	}
	cfg, err := FromMap(m)
	if err != nil {
		errors.Details(err)["path"] = path
		return cfg, err
	}
	return cfg, nil
}

// FromMap builds the configuration from a generic map, e.g., one decoded by
// the caller from their own configuration format.
func FromMap(m map[string]any) (Config, errors.E) {
	var cfg Config
	for key, value := range m {
		switch key {
		case "pid_file":
			s, err := asString(key, value)
			if err != nil {
				return cfg, err
			}
			cfg.PidFile = s
		case "daemon":
			b, err := ParseBool(value)
			if err != nil {
				errors.Details(err)["key"] = key
				return cfg, err
			}
			cfg.Daemon = &b
		case "process_name":
			s, err := asString(key, value)
			if err != nil {
				return cfg, err
			}
			cfg.ProcessName = s
		case "user":
			s, err := asString(key, value)
			if err != nil {
				return cfg, err
			}
			cfg.User = s
		case "group":
			s, err := asString(key, value)
			if err != nil {
				return cfg, err
			}
			cfg.Group = s
		case "bootstrap":
			list, err := asStrings(key, value)
			if err != nil {
				return cfg, err
			}
			cfg.Bootstrap = list
		case "log_level":
			s, err := asString(key, value)
			if err != nil {
				return cfg, err
			}
			cfg.LogLevel = s
		}
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with KEEPER_* variables found through lookup (e.g., os.LookupEnv).
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) errors.E {
	if v, ok := lookup(EnvPidFile); ok {
		cfg.PidFile = v
	}
	if v, ok := lookup(EnvDaemon); ok {
		b, err := ParseBool(v)
		if err != nil {
			errors.Details(err)["env"] = EnvDaemon
			return err
		}
		cfg.Daemon = &b
	}
	if v, ok := lookup(EnvProcessName); ok {
		cfg.ProcessName = v
	}
	if v, ok := lookup(EnvUser); ok {
		cfg.User = v
	}
	if v, ok := lookup(EnvGroup); ok {
		cfg.Group = v
	}
	if v, ok := lookup(EnvBootstrap); ok {
		cfg.Bootstrap = SplitList(v)
	}
	if v, ok := lookup(EnvLogLevel); ok {
		cfg.LogLevel = v
	}
	return nil
}

// SplitList splits a comma separated list, dropping empty entries.
func SplitList(s string) []string {
	list := []string{}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			list = append(list, item)
		}
	}
	return list
}

func asString(key string, value any) (string, errors.E) {
	switch v := value.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	}
	errE := errors.Errorf("%w: not a string", ErrInvalid)
	errors.Details(errE)["key"] = key
	return "", errE
}

func asStrings(key string, value any) ([]string, errors.E) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case string:
		return SplitList(v), nil
	case []any:
		list := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				errE := errors.Errorf("%w: not a list of strings", ErrInvalid)
				errors.Details(errE)["key"] = key
				return nil, errE
			}
			list = append(list, s)
		}
		return list, nil
	}
	errE := errors.Errorf("%w: not a list of strings", ErrInvalid)
	errors.Details(errE)["key"] = key
	return nil, errE
}
