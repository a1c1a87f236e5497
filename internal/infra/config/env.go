package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file configuration.
const (
	EnvBackendURL  = "ORDERSYNC_BACKEND_URL"
	EnvPushURL     = "ORDERSYNC_PUSH_URL"
	EnvToken       = "ORDERSYNC_TOKEN"
	EnvDatabaseDSN = "ORDERSYNC_DATABASE_DSN"
)

// LoadDotEnv loads variables from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func (c *AppConfig) applyEnv(lookup func(string) string) {
	if v := strings.TrimSpace(lookup(EnvBackendURL)); v != "" {
		c.Backend.BaseURL = v
	}
	if v := strings.TrimSpace(lookup(EnvPushURL)); v != "" {
		c.Channel.BaseURL = v
	}
	if v := strings.TrimSpace(lookup(EnvToken)); v != "" {
		c.Credential.Token = v
	}
	if v := strings.TrimSpace(lookup(EnvDatabaseDSN)); v != "" {
		c.Database.DSN = v
	}
}
