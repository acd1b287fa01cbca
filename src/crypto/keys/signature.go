package keys

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/mosaicnetworks/ebft/src/crypto"
)

// Signature is a signature together with the identity of its signer. Subject
// is the uncompressed public key of the signer; Data is the encoded (r, s)
// pair.
type Signature struct {
	Subject []byte
	Data    []byte
}

// Equal reports whether both signatures have the same subject and data.
func (s Signature) Equal(o Signature) bool {
	return bytes.Equal(s.Subject, o.Subject) && bytes.Equal(s.Data, o.Data)
}

// IsZero reports whether the signature carries nothing.
func (s Signature) IsZero() bool {
	return len(s.Subject) == 0 && len(s.Data) == 0
}

// Sign signs the data with the private key and the built-in pseudo-random
// generator rand.Reader.
func Sign(priv *ecdsa.PrivateKey, data []byte) (r, s *big.Int, err error) {
	return ecdsa.Sign(rand.Reader, priv, data)
}

// Verify verifies that a signature represented by r and s values, is a valid
// signature of the data by an owner of the private key associated with the
// provided public key.
func Verify(pub *ecdsa.PublicKey, data []byte, r, s *big.Int) bool {
	return ecdsa.Verify(pub, data, r, s)
}

// EncodeSignature returns a string representation of a signature.
func EncodeSignature(r, s *big.Int) string {
	return fmt.Sprintf("%s|%s", r.Text(36), s.Text(36))
}

// DecodeSignature parses a string representation of a signature as produced by
// EncodeSignature.
func DecodeSignature(sig string) (r, s *big.Int, err error) {
	values := strings.Split(sig, "|")
	if len(values) != 2 {
		return r, s, fmt.Errorf("wrong number of values in signature: got %d, want 2", len(values))
	}
	var ok bool
	if r, ok = new(big.Int).SetString(values[0], 36); !ok {
		return nil, nil, fmt.Errorf("malformed r value in signature")
	}
	if s, ok = new(big.Int).SetString(values[1], 36); !ok {
		return nil, nil, fmt.Errorf("malformed s value in signature")
	}
	return r, s, nil
}

// SignDigest signs a digest (typically a block RID) and tags the result with
// the signer's public key.
func SignDigest(priv *ecdsa.PrivateKey, digest []byte) (Signature, error) {
	r, s, err := Sign(priv, digest)
	if err != nil {
		return Signature{}, err
	}
	return Signature{
		Subject: FromPublicKey(&priv.PublicKey),
		Data:    []byte(EncodeSignature(r, s)),
	}, nil
}

// VerifyDigest checks that sig is a valid signature of digest by sig.Subject.
func VerifyDigest(digest []byte, sig Signature) bool {
	pub := ToPublicKey(sig.Subject)
	if pub == nil {
		return false
	}
	r, s, err := DecodeSignature(string(sig.Data))
	if err != nil {
		return false
	}
	return Verify(pub, digest, r, s)
}

// SignMessage signs the SHA256 hash of an arbitrary payload.
func SignMessage(priv *ecdsa.PrivateKey, payload []byte) (Signature, error) {
	return SignDigest(priv, crypto.SHA256(payload))
}

// VerifyMessage is the counterpart of SignMessage.
func VerifyMessage(payload []byte, sig Signature) bool {
	return VerifyDigest(crypto.SHA256(payload), sig)
}
