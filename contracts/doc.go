// Package contracts defines the wire-level data shapes shared by the
// channel, bridge, and transport packages.
package contracts
