// Package app contains the core application logic. It wires the recipe
// parser, generator backend, stub detector, quality gates, state store, and
// scheduler together, decoupled from any specific entrypoint like a CLI.
package app
