package config

import (
	"fmt"
	"os"
	"strconv"
)

// KeyInfo is one row of `xlcopilot config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	// FromEnv is set when the environment variable currently overrides the stored value.
	FromEnv bool
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// ShowAll lists every key with its effective value in cfg.
func ShowAll(cfg Config) []KeyInfo {
	infos := make([]KeyInfo, len(specs))
	for i, s := range specs {
		infos[i] = KeyInfo{
			Key:     s.key,
			EnvVar:  s.env,
			Value:   fmt.Sprint(s.extract(cfg)),
			FromEnv: os.Getenv(s.env) != "",
		}
	}
	return infos
}

// SetKey validates value and stores it in the platform backend.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), key, value)
}

func setKeyWith(b ConfigBackend, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if _, err := s.parse(value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if s.typ != kInt {
		return b.SetString(key, value)
	}
	n, _ := strconv.Atoi(value)
	return b.SetInt(key, n)
}

// ValidKeys returns the config key names in display order.
func ValidKeys() []string {
	keys := make([]string, len(specs))
	for i, s := range specs {
		keys[i] = s.key
	}
	return keys
}
