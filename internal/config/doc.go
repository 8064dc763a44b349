// Package config loads and validates the veil TOML configuration.
//
// Load resolves the file from an explicit path, ~/.config/veil/config.toml,
// or veil.toml in the working directory, applies defaults for anything the
// file omits, expands tilde and relative paths, and rejects values that would
// fail at runtime.
package config
