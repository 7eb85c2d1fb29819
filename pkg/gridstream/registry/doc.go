// Package registry provides a generic thread-safe key-value registry.
//
// Distributed execution in gridstream never ships code between nodes:
// functions that must run remotely (view updaters, entry processors) are
// registered under a string identifier on every process at startup, and
// only the identifier travels. This package is the building block for
// those name-to-function tables, as well as the purely local registries
// (pending futures, breakers, compensation routes).
package registry
