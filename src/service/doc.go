// Package service serves the diagnostics of a node over HTTP: processing
// stats, consensus snapshot, committed blocks, validators, metrics, and a
// transaction submission endpoint.
package service
