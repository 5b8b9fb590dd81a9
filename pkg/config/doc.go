// Package config loads the lattice runtime configuration.
//
// Values are layered: Default(), then a CUE file (lattice.cue) unified
// with the embedded #Config schema, then LATTICE_* environment variables.
// A .env file is read first when present; variables already set in the
// process take precedence over it. The merged result is checked with
// validator struct tags.
//
// A minimal lattice.cue:
//
//	store: path: "/var/lib/lattice/lattice.db"
//	artifacts: dir: "/var/lib/lattice/artifacts"
//	executor: max_parallel: 8
//	policy: {
//		dir:   "/etc/lattice/policies"
//		watch: true
//	}
//	hosts: [{
//		name:        "jump01"
//		address:     "10.20.0.4"
//		user:        "deploy"
//		key_file:    "/etc/lattice/id_ed25519"
//		known_hosts: "/etc/lattice/known_hosts"
//	}]
//
// Environment names follow the section and field, for example
// LATTICE_STORE_PATH, LATTICE_EXECUTOR_MAX_PARALLEL and LATTICE_LOG_LEVEL.
// Hosts can only be set in the file.
package config
