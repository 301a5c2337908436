// Package configs provides the embedded configuration template for amankb.
//
// The template is embedded at build time so `amankb config init` works for
// source builds and binary releases alike. Keys mirror internal/config; every
// value shown is the built-in default.
package configs

import _ "embed"

// ConfigTemplate is written by `amankb config init` to
// ~/.config/amankb/config.yaml (or $XDG_CONFIG_HOME/amankb/config.yaml).
//
//go:embed config.example.yaml
var ConfigTemplate string
