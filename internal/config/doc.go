// Package config handles configuration loading, parsing, and validation
// from defaults, an optional YAML file and FLOWBATCH_ environment variables.
// It provides type-safe access to the settings of the batch runner while
// keeping configuration details separate from scheduling logic.
package config
