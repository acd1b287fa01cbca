package block

import (
	"crypto/ecdsa"
	"testing"

	"github.com/mosaicnetworks/ebft/src/crypto"
	"github.com/mosaicnetworks/ebft/src/crypto/keys"
	"github.com/stretchr/testify/require"
)

func genValidators(t *testing.T, n int) ([]*ecdsa.PrivateKey, [][]byte) {
	privs := make([]*ecdsa.PrivateKey, n)
	subjects := make([][]byte, n)
	for i := 0; i < n; i++ {
		k, err := keys.GenerateECDSAKey()
		require.NoError(t, err)
		privs[i] = k
		subjects[i] = keys.FromPublicKey(&k.PublicKey)
	}
	return privs, subjects
}

func TestHeaderRoundTrip(t *testing.T) {
	txs := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	h := NewHeader([]byte("prev"), 7, 1234, txs)

	data, err := h.Marshal()
	require.NoError(t, err)

	h2, err := DecodeHeader(data)
	require.NoError(t, err)
	require.Equal(t, h, h2)

	rid, err := h.RID()
	require.NoError(t, err)
	require.Equal(t, crypto.SHA256(data), rid)
}

func TestDecodeHeaderGarbage(t *testing.T) {
	_, err := DecodeHeader([]byte{0xc1, 0x02})
	require.Error(t, err)
}

func TestDataRootHash(t *testing.T) {
	d, err := NewData([]byte("prev"), 0, 1, [][]byte{[]byte("tx1")})
	require.NoError(t, err)
	require.NoError(t, d.CheckRootHash())

	d.Transactions = append(d.Transactions, []byte("tx2"))
	require.Error(t, d.CheckRootHash())
}

func TestDataWithWitnessMarshal(t *testing.T) {
	d, err := NewData([]byte("prev"), 3, 10, [][]byte{[]byte("tx")})
	require.NoError(t, err)

	b := &DataWithWitness{Data: *d, Height: 3, Witness: []byte("w")}
	raw, err := b.Marshal()
	require.NoError(t, err)

	b2, err := UnmarshalDataWithWitness(raw)
	require.NoError(t, err)
	require.Equal(t, b.Height, b2.Height)
	require.Equal(t, b.RID(), b2.RID())
	require.Equal(t, b.Witness, b2.Witness)
}

func TestWitnessBuilder(t *testing.T) {
	privs, subjects := genValidators(t, 4)
	rid := crypto.SHA256([]byte("block"))

	b := NewWitnessBuilder(rid, subjects, 3)

	mine, err := keys.SignDigest(privs[0], rid)
	require.NoError(t, err)
	require.NoError(t, b.SetMySignature(mine))
	require.True(t, mine.Equal(b.MySignature()))

	// duplicates do not count twice
	require.NoError(t, b.ApplySignature(mine))
	require.Equal(t, 1, b.Count())

	other, err := keys.SignDigest(privs[1], []byte("other digest"))
	require.NoError(t, err)
	require.Equal(t, ErrInvalidSignature, b.ApplySignature(other))

	stranger, _ := genValidators(t, 1)
	sig, err := keys.SignDigest(stranger[0], rid)
	require.NoError(t, err)
	require.Equal(t, ErrUnknownSigner, b.ApplySignature(sig))

	for _, i := range []int{3, 2} {
		sig, err := keys.SignDigest(privs[i], rid)
		require.NoError(t, err)
		require.NoError(t, b.ApplySignature(sig))
	}
	require.True(t, b.IsComplete())

	w := b.Witness()
	require.Len(t, w.Signatures, 3)
	require.Equal(t, subjects[0], w.Signatures[0].Subject)
	require.Equal(t, subjects[2], w.Signatures[1].Subject)
	require.Equal(t, subjects[3], w.Signatures[2].Subject)

	raw, err := w.Marshal()
	require.NoError(t, err)
	w2, err := DecodeWitness(raw)
	require.NoError(t, err)
	require.NoError(t, ValidateWitness(w2, rid, subjects, 3))
	require.Error(t, ValidateWitness(w2, rid, subjects, 4))
	require.Error(t, ValidateWitness(w2, crypto.SHA256([]byte("x")), subjects, 3))
}
