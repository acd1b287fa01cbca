// Package proxy defines AppProxy, the interface between a node and an
// application.
//
// Blocks are delivered to the application in height order, whether the node
// committed them as a validator or received them while syncing. The
// application submits transactions through SubmitCh.
//
// InmemProxy uses native callback handlers to integrate the node as a regular
// Go dependency.
package proxy
