// Package config loads the daemon configuration from a YAML file, fills in
// component defaults and applies LPAGENT_* environment overrides.
package config
