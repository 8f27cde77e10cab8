package mcpmgr

import (
	"sort"
	"strings"
)

// Helpers for presenting a StdioServerConfig without leaking credentials
// that the registry merges into Env.

// redacted replaces environment values in ConfigView.
const redacted = "********"

// ConfigView is a JSON-safe description of a backend launch configuration.
// Environment values are never included.
type ConfigView struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ViewOf returns a redacted view of cfg. It returns the zero view for nil.
func ViewOf(cfg *StdioServerConfig) ConfigView {
	if cfg == nil {
		return ConfigView{}
	}
	view := ConfigView{Command: cfg.Command}
	if len(cfg.Args) > 0 {
		view.Args = append([]string(nil), cfg.Args...)
	}
	if len(cfg.Env) > 0 {
		view.Env = make(map[string]string, len(cfg.Env))
		for k := range cfg.Env {
			view.Env[k] = redacted
		}
	}
	return view
}

// CommandLine renders cfg as a single shell-like line for display.
func CommandLine(cfg *StdioServerConfig) string {
	if cfg == nil {
		return ""
	}
	parts := make([]string, 0, len(cfg.Args)+1)
	parts = append(parts, quoteArg(cfg.Command))
	for _, a := range cfg.Args {
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " ")
}

// EnvKeys returns the sorted names of the environment overrides in cfg.
func EnvKeys(cfg *StdioServerConfig) []string {
	if cfg == nil || len(cfg.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func quoteArg(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\"'") {
		return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return s
}
