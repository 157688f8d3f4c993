// Package config locates configuration files for a Viper instance.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// SearchPaths returns where Discover looks, in order: the working
// directory, the system-wide directory, then the user's home.
func SearchPaths() []string {
	return []string{".", "/etc/listing-ingest/", "$HOME/.listing-ingest"}
}

// Discover reads the first <name>.{yaml,json,toml,...} found in SearchPaths()
// into v. A missing file is not an error: the returned path is empty and v
// keeps its defaults and environment bindings.
func Discover(v *viper.Viper, name string) (string, error) {
	v.SetConfigName(name)
	for _, p := range SearchPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}
	return v.ConfigFileUsed(), nil
}
