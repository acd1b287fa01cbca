// Package engine assembles an ebft node from a config.Config: key, validator
// set, store, block database, transport, node and HTTP service. It is the
// entry point used by the command line.
package engine
