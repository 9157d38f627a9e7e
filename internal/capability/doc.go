// Package capability holds the Tool Capability Registry.
//
// A Capability is an invocable tool action (run a shell command, open a
// ticket, push a branch) with a declared nominal risk tier and a JSON schema
// for its arguments. The Registry is built once at startup; duplicate names
// are a configuration error.
//
// Providers live in subpackages (shell, fileops, git, ticket, email) and are
// registered by cmd/orbitd according to configuration.
package capability
