// ABOUTME: Package config loads and validates casewire agent configuration.
// ABOUTME: Supports YAML files with env expansion plus pure-environment loading.

// Package config provides configuration loading for casewire processes.
//
// Configuration comes from a YAML file with ${VAR} environment expansion
// and duration-string parsing, or entirely from the environment (prefix
// CASEWIRE_) when no file path is given. All tunables carry defaults so a
// zero config still yields a runnable single-machine setup.
package config
