// Package config loads A2A component configuration from environment
// variables, with defaults that let every component run unconfigured in
// development.
//
// Each section (Identity, Auth, Discovery, Transport, Orchestrator)
// mirrors one of the core components' configuration surface. None of
// the environment variables are required; omitted values fall back to
// their defaults. AppConfig is a read-only snapshot of the environment
// at Load() time and is safe for concurrent reads thereafter.
package config
