// Package dummy implements a toy application that records committed
// transactions. It is used by tests and by the --dummy run mode.
package dummy
