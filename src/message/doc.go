// Package message implements the wire protocol spoken between validators.
//
// Every message is encoded as a msgpack array whose first element is the
// message type ordinal, followed by the message fields in a fixed order:
//
//	[1, blockRID, height, revolting, round, serial, state]   Status
//	[7, header, [tx...], height, witness]                    CompleteBlock
//
// Decode switches on the ordinal and rebuilds the concrete type. Messages may
// be wrapped in a SignedMessage envelope which authenticates the sender.
package message
