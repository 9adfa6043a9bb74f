package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Environment is the deployment stage read from APP_ENV.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

const appEnvVar = "APP_ENV"

// common misspellings seen in deployment manifests
var environmentAliases = map[string]Environment{
	"dev":         Development,
	"prod":        Production,
	"producation": Production,
	"stag":        Staging,
	"stagging":    Staging,
}

// AppEnvironment returns the normalised APP_ENV value, Development when unset.
// Unknown values are returned lower-cased as-is.
func AppEnvironment() Environment {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return Development
	}
	if alias, ok := environmentAliases[env]; ok {
		return alias
	}
	return Environment(env)
}

// ProductionLike reports whether e must run with at least one subscription.
func (e Environment) ProductionLike() bool {
	return e == Production || e == Staging
}

// ResolvePath returns the file to load. An explicit path is kept; the default
// path is swapped for config.<env>.yml when that file exists outside
// development.
func ResolvePath(path string) string {
	if path != "" && path != DefaultPath {
		return path
	}
	env := AppEnvironment()
	if env == Development {
		return DefaultPath
	}
	ext := filepath.Ext(DefaultPath)
	candidate := strings.TrimSuffix(DefaultPath, ext) + "." + string(env) + ext
	if _, err := os.Stat(candidate); err != nil {
		return DefaultPath
	}
	return candidate
}
