package message

import (
	"crypto/ecdsa"
	"errors"

	"github.com/mosaicnetworks/ebft/src/crypto/keys"
)

// ErrBadSignature is returned by SignedMessage.Verify when the envelope was not
// signed by the key it claims.
var ErrBadSignature = errors.New("signed message: bad signature")

// SignedMessage wraps an encoded message with the public key of its sender and
// a signature over the SHA256 of the message bytes.
type SignedMessage struct {
	Message   []byte
	PubKey    []byte
	Signature []byte
}

// Sign encodes m and signs it with key.
func Sign(m Message, key *ecdsa.PrivateKey) (*SignedMessage, error) {
	data, err := Encode(m)
	if err != nil {
		return nil, err
	}

	sig, err := keys.SignMessage(key, data)
	if err != nil {
		return nil, err
	}

	return &SignedMessage{
		Message:   data,
		PubKey:    sig.Subject,
		Signature: sig.Data,
	}, nil
}

// Verify checks the envelope signature.
func (sm *SignedMessage) Verify() error {
	if !keys.VerifyMessage(sm.Message, keys.Signature{Subject: sm.PubKey, Data: sm.Signature}) {
		return ErrBadSignature
	}
	return nil
}

// Open verifies the envelope and decodes the inner message.
func (sm *SignedMessage) Open() (Message, error) {
	if err := sm.Verify(); err != nil {
		return nil, err
	}
	return Decode(sm.Message)
}

// Encode serialises the envelope as [message, pubkey, signature].
func (sm *SignedMessage) Encode() ([]byte, error) {
	return Marshal([]interface{}{sm.Message, sm.PubKey, sm.Signature})
}

// DecodeSigned parses an envelope produced by SignedMessage.Encode.
func DecodeSigned(data []byte) (*SignedMessage, error) {
	var arr []interface{}
	if err := Unmarshal(data, &arr); err != nil {
		return nil, &DecodeError{Data: data, Cause: err}
	}
	if len(arr) != 3 {
		return nil, newDecodeError(data, "signed message expects 3 fields, got %d", len(arr))
	}

	r := fieldReader{vals: arr}
	sm := &SignedMessage{
		Message:   r.bytes(),
		PubKey:    r.bytes(),
		Signature: r.bytes(),
	}
	if r.err != nil {
		return nil, &DecodeError{Data: data, Cause: r.err}
	}

	return sm, nil
}
