// Package cmd implements the command-line interface of dEcho, a managed TCP
// echo client.
//
// The package is organized into several subpackages:
//
//   - serve: Command for starting and configuring the echo service
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See decho -help for a list of all commands.
package cmd
