// Package config handles configuration loading for tracker-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TRACKER_GATEWAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/tracker-gateway/gateway.yaml
//  3. ~/.config/tracker-gateway/gateway.yaml
//
// Environment variables referenced as ${VAR_NAME} inside the file are
// expanded before parsing, which keeps secrets like the Azure DevOps PAT
// and the gateway API key out of the file itself.
package config
