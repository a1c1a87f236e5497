package config

import "strings"

// Environment identifies the runtime environment where ordersync operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// BackendMode selects the cart backend implementation.
type BackendMode string

const (
	// BackendHTTP talks to the remote cart API.
	BackendHTTP BackendMode = "http"
	// BackendLocal serves the cart from an in-process catalog.
	BackendLocal BackendMode = "local"
)

// IdentityBackend selects where the guest cart token is persisted.
type IdentityBackend string

const (
	IdentityMemory   IdentityBackend = "memory"
	IdentityFile     IdentityBackend = "file"
	IdentityRedis    IdentityBackend = "redis"
	IdentityPostgres IdentityBackend = "postgres"
)

func normalizeToken(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	out := make([]string, 0, len(roles))
	seen := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		key := normalizeToken(role)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
