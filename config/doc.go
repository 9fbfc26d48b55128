// Package config defines the daemon's startup configuration: bus identity,
// privilege policy, filesystem paths and timers, loaded from an optional
// JSON file with defaults that work on a stock device image.
package config
