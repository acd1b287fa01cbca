package block

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/mosaicnetworks/ebft/src/crypto/keys"
	"github.com/mosaicnetworks/ebft/src/message"
)

var (
	// ErrUnknownSigner is returned when a signature's subject is not a
	// validator.
	ErrUnknownSigner = errors.New("signer is not a validator")
	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("invalid block signature")
)

// Witness is the set of commit signatures attached to a committed block.
type Witness struct {
	Signatures []keys.Signature
}

// Marshal encodes the witness as a list of [subject, data] pairs.
func (w *Witness) Marshal() ([]byte, error) {
	arr := make([]interface{}, 0, len(w.Signatures))
	for _, s := range w.Signatures {
		arr = append(arr, []interface{}{s.Subject, s.Data})
	}
	return message.Marshal(arr)
}

// DecodeWitness parses bytes produced by Witness.Marshal.
func DecodeWitness(data []byte) (*Witness, error) {
	var pairs [][][]byte
	if err := message.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("decoding witness %x: %v", data, err)
	}
	w := &Witness{}
	for _, p := range pairs {
		if len(p) != 2 {
			return nil, fmt.Errorf("decoding witness %x: malformed signature", data)
		}
		w.Signatures = append(w.Signatures, keys.Signature{Subject: p[0], Data: p[1]})
	}
	return w, nil
}

// WitnessBuilder accumulates verified signatures of a block RID until a quorum
// of distinct validators is reached.
type WitnessBuilder struct {
	rid       []byte
	subjects  [][]byte
	threshold int

	signatures []keys.Signature
	signed     *bitset.BitSet
	mine       keys.Signature
}

// NewWitnessBuilder returns an empty builder for rid. Subjects are the
// validators' public keys in validator order.
func NewWitnessBuilder(rid []byte, subjects [][]byte, threshold int) *WitnessBuilder {
	return &WitnessBuilder{
		rid:        rid,
		subjects:   subjects,
		threshold:  threshold,
		signatures: make([]keys.Signature, len(subjects)),
		signed:     bitset.New(uint(len(subjects))),
	}
}

// RID returns the block RID being witnessed.
func (b *WitnessBuilder) RID() []byte {
	return b.rid
}

// SetMySignature applies the local validator's own signature.
func (b *WitnessBuilder) SetMySignature(sig keys.Signature) error {
	if err := b.ApplySignature(sig); err != nil {
		return err
	}
	b.mine = sig
	return nil
}

// MySignature returns the local validator's signature.
func (b *WitnessBuilder) MySignature() keys.Signature {
	return b.mine
}

// SubjectIndex returns the validator index of subject, or -1.
func (b *WitnessBuilder) SubjectIndex(subject []byte) int {
	for i, s := range b.subjects {
		if bytes.Equal(s, subject) {
			return i
		}
	}
	return -1
}

// ApplySignature verifies sig against the RID and records it. Applying a
// signature twice is harmless.
func (b *WitnessBuilder) ApplySignature(sig keys.Signature) error {
	idx := b.SubjectIndex(sig.Subject)
	if idx < 0 {
		return ErrUnknownSigner
	}
	if !keys.VerifyDigest(b.rid, sig) {
		return ErrInvalidSignature
	}
	b.signatures[idx] = sig
	b.signed.Set(uint(idx))
	return nil
}

// Count returns the number of distinct validators that signed.
func (b *WitnessBuilder) Count() int {
	return int(b.signed.Count())
}

// IsComplete reports whether a quorum signed.
func (b *WitnessBuilder) IsComplete() bool {
	return b.Count() >= b.threshold
}

// Witness returns the signatures collected so far, in validator order.
func (b *WitnessBuilder) Witness() *Witness {
	w := &Witness{}
	for i, e := b.signed.NextSet(0); e; i, e = b.signed.NextSet(i + 1) {
		w.Signatures = append(w.Signatures, b.signatures[i])
	}
	return w
}

// ValidateWitness checks that witness holds valid signatures of rid from at
// least threshold distinct validators.
func ValidateWitness(witness *Witness, rid []byte, subjects [][]byte, threshold int) error {
	b := NewWitnessBuilder(rid, subjects, threshold)
	for _, sig := range witness.Signatures {
		if err := b.ApplySignature(sig); err != nil {
			return fmt.Errorf("witness of %x: %v", rid, err)
		}
	}
	if !b.IsComplete() {
		return fmt.Errorf("witness of %x: %d signatures, %d required", rid, b.Count(), threshold)
	}
	return nil
}

// SortSignatures orders signatures by subject, for deterministic output.
func SortSignatures(sigs []keys.Signature) {
	sort.Slice(sigs, func(i, j int) bool {
		return bytes.Compare(sigs[i].Subject, sigs[j].Subject) < 0
	})
}
