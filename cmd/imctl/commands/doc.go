// Package commands defines the imctl CLI.
//
// Commands
//
//   - run            Drive an input context from stdin against a live server
//   - config init    Write a default configuration file
//   - config show    Print the effective configuration
//   - version        Print version information
//
// The root command loads the configuration (file, then environment) and
// installs the global logger before any subcommand runs.
package commands
