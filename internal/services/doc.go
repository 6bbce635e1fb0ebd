// Package services wires the factory's components together and exposes them
// through a single registry, so commands and the daemon share one
// construction path.
package services
