// Package config loads the server configuration: tools, storage
// backend, server listeners, users, authorization and audit settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton. configFile may
// be empty, in which case only defaults and environment variables
// apply. Should be called once at process startup.
func Initialize(configFile string) error {
	v = viper.New()
	v.SetConfigType("json")

	// Environment variables take precedence over the config file,
	// e.g. DEPI_SERVER_INSECURE_PORT, DEPI_DB_TYPE.
	v.SetEnvPrefix("DEPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("db.type", "memjson")
	v.SetDefault("db.state_dir", "depi-state")
	v.SetDefault("db.path", "depi.db")
	v.SetDefault("db.pool_size", 5)
	v.SetDefault("db.default_branch", "main")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.insecure_port", 5150)
	v.SetDefault("server.unix_socket", "")
	v.SetDefault("server.session_timeout", 3600)
	v.SetDefault("server.max_connections", 100)
	v.SetDefault("server.request_timeout", "30s")

	v.SetDefault("authorization.enabled", false)
	v.SetDefault("authorization.auth_def_file", "")

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.dir", "depi-audit")

	v.SetDefault("logging.filename", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// ToolConfig describes one external tool known to the server. The path
// separator governs hierarchical resource matching for that tool.
type ToolConfig struct {
	Name          string `mapstructure:"name"`
	PathSeparator string `mapstructure:"path_separator"`
}

// UserConfig is one user entry: login credentials plus the
// authorization rules and capability literals granted to the user.
type UserConfig struct {
	Name     string   `mapstructure:"name"`
	Password string   `mapstructure:"password"`
	Rules    []string `mapstructure:"rules"`
}

// Tools returns the configured tool set keyed by tool id. Tools without
// an explicit path separator default to "/".
func Tools() map[string]ToolConfig {
	tools := map[string]ToolConfig{}
	if v == nil {
		return tools
	}
	raw := map[string]ToolConfig{}
	if err := v.UnmarshalKey("tools", &raw); err != nil {
		return tools
	}
	for id, tc := range raw {
		if tc.PathSeparator == "" {
			tc.PathSeparator = "/"
		}
		tools[id] = tc
	}
	return tools
}

// PathSeparator returns the separator for a tool id, "/" when the tool
// is not configured.
func PathSeparator(toolID string) string {
	if tc, ok := Tools()[toolID]; ok {
		return tc.PathSeparator
	}
	return "/"
}

// Users returns the configured user entries.
func Users() []UserConfig {
	var users []UserConfig
	if v == nil {
		return users
	}
	if err := v.UnmarshalKey("users", &users); err != nil {
		return nil
	}
	return users
}

// SessionTimeout returns the idle session timeout.
func SessionTimeout() time.Duration {
	return time.Duration(GetInt("server.session_timeout")) * time.Second
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set sets a configuration value. Used by tests and flag binding.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}
