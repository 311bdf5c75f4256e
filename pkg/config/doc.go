// Package config loads and validates Foreman's YAML configuration.
// Secrets can be supplied through the environment instead of the file.
package config
