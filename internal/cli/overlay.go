package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/spachava753/deskeval/internal/config"
	"github.com/spachava753/deskeval/internal/models"
)

// flagKeys maps command-line flag names to config keys. The same keys are
// read from DESKEVAL_* environment variables.
var flagKeys = map[string]string{
	"log-level":         "log_level",
	"log-file":          "log_file",
	"json-logs":         "json_logs",
	"name":              "name",
	"runs-dir":          "runs_dir",
	"concurrency":       "n_concurrent_sessions",
	"agent-url":         "agent.url",
	"agent-token":       "agent.token",
	"agent-version":     "agent.version",
	"path-token":        "agent.use_path_token",
	"env-type":          "environment.type",
	"env-url":           "environment.url",
	"image":             "environment.image",
	"region":            "environment.region",
	"catalog":           "selection.catalog_root",
	"slice":             "selection.slice",
	"mode":              "selection.mode",
	"domain":            "selection.domain",
	"example":           "selection.example",
	"k":                 "selection.k",
	"seed":              "selection.seed",
	"indices":           "selection.indices",
	"no-external-drive": "selection.no_external_drive",
	"no-proxy":          "selection.no_proxy",
	"max-steps":         "limits.max_steps",
	"max-seconds":       "limits.max_seconds",
	"addr":              "server.addr",
	"server-token":      "server.token",
	"require-auth":      "server.require_auth",
	"max-concurrent":    "server.max_concurrent",
}

// bindFlags binds every known flag present in fs.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig reads the job file, when given, and overlays values set by
// flag or environment. Precedence is flag, then env, then file, then
// defaults.
func loadConfig(v *viper.Viper, path string) (models.JobConfig, error) {
	cfg := config.DefaultJobConfig()
	if path != "" {
		var err error
		cfg, err = config.ReadJobConfig(path)
		if err != nil {
			return cfg, err
		}
	}

	if err := overlay(v, &cfg); err != nil {
		return cfg, err
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func overlay(v *viper.Viper, cfg *models.JobConfig) error {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	flt := func(key string, dst *float64) {
		if v.IsSet(key) {
			*dst = v.GetFloat64(key)
		}
	}
	flag := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	if v.IsSet("name") {
		name := v.GetString("name")
		cfg.Name = &name
	}
	str("log_level", &cfg.LogLevel)
	str("runs_dir", &cfg.RunsDir)
	num("n_concurrent_sessions", &cfg.NConcurrentSessions)

	str("agent.url", &cfg.Agent.URL)
	str("agent.token", &cfg.Agent.Token)
	str("agent.version", &cfg.Agent.Version)
	flag("agent.use_path_token", &cfg.Agent.UsePathToken)

	str("environment.type", &cfg.Environment.Type)
	str("environment.url", &cfg.Environment.URL)
	str("environment.image", &cfg.Environment.Image)
	str("environment.region", &cfg.Environment.Region)

	str("selection.catalog_root", &cfg.Selection.CatalogRoot)
	str("selection.slice", &cfg.Selection.Slice)
	str("selection.mode", &cfg.Selection.Mode)
	str("selection.domain", &cfg.Selection.Domain)
	str("selection.example", &cfg.Selection.Example)
	num("selection.k", &cfg.Selection.K)
	if v.IsSet("selection.seed") {
		cfg.Selection.Seed = v.GetInt64("selection.seed")
	}
	if v.IsSet("selection.indices") {
		indices, err := parseIndices(v.GetString("selection.indices"))
		if err != nil {
			return err
		}
		cfg.Selection.Indices = indices
	}
	flag("selection.no_external_drive", &cfg.Selection.NoExternalDrive)
	flag("selection.no_proxy", &cfg.Selection.NoProxy)

	num("limits.max_steps", &cfg.Limits.MaxSteps)
	flt("limits.max_seconds", &cfg.Limits.MaxSeconds)

	str("server.addr", &cfg.Server.Addr)
	str("server.token", &cfg.Server.Token)
	num("server.max_concurrent", &cfg.Server.MaxConcurrent)
	if v.IsSet("server.require_auth") {
		required := v.GetBool("server.require_auth")
		cfg.Server.RequireAuth = &required
	}
	return nil
}

// parseIndices accepts "0,7,42" or "0 7 42".
func parseIndices(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid index %q: %w", f, err)
		}
		out = append(out, n)
	}
	return out, nil
}
