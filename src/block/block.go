package block

import (
	"bytes"
	"fmt"

	"github.com/mosaicnetworks/ebft/src/crypto"
	"github.com/mosaicnetworks/ebft/src/message"
	"github.com/pkg/errors"
)

// Header is the signed part of a block.
type Header struct {
	PrevBlockRID []byte
	Height       int64
	Timestamp    int64
	RootHash     []byte
}

// NewHeader computes the root hash of txs and returns the resulting header.
func NewHeader(prevRID []byte, height, timestamp int64, txs [][]byte) *Header {
	return &Header{
		PrevBlockRID: prevRID,
		Height:       height,
		Timestamp:    timestamp,
		RootHash:     crypto.MerkleRoot(txs),
	}
}

// Marshal encodes the header as [prevRID, height, timestamp, rootHash].
func (h *Header) Marshal() ([]byte, error) {
	return message.Marshal([]interface{}{h.PrevBlockRID, h.Height, h.Timestamp, h.RootHash})
}

// RID returns the SHA256 of the encoded header.
func (h *Header) RID() ([]byte, error) {
	data, err := h.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(data), nil
}

// DecodeHeader parses bytes produced by Header.Marshal.
func DecodeHeader(data []byte) (*Header, error) {
	var fields struct {
		_struct      bool `codec:",toarray"`
		PrevBlockRID []byte
		Height       int64
		Timestamp    int64
		RootHash     []byte
	}
	if err := message.Unmarshal(data, &fields); err != nil {
		return nil, errors.Wrapf(err, "decoding block header %x", data)
	}
	return &Header{
		PrevBlockRID: fields.PrevBlockRID,
		Height:       fields.Height,
		Timestamp:    fields.Timestamp,
		RootHash:     fields.RootHash,
	}, nil
}

// Data is an encoded header and the transactions it commits to.
type Data struct {
	Header       []byte
	Transactions [][]byte
}

// NewData builds a block on top of prevRID.
func NewData(prevRID []byte, height, timestamp int64, txs [][]byte) (*Data, error) {
	header, err := NewHeader(prevRID, height, timestamp, txs).Marshal()
	if err != nil {
		return nil, err
	}
	return &Data{Header: header, Transactions: txs}, nil
}

// RID returns the block RID.
func (d *Data) RID() []byte {
	return crypto.SHA256(d.Header)
}

// DecodeHeader decodes the header bytes.
func (d *Data) DecodeHeader() (*Header, error) {
	return DecodeHeader(d.Header)
}

// CheckRootHash verifies that the transactions match the header.
func (d *Data) CheckRootHash() error {
	h, err := d.DecodeHeader()
	if err != nil {
		return err
	}
	if !bytes.Equal(h.RootHash, crypto.MerkleRoot(d.Transactions)) {
		return fmt.Errorf("block %x: transactions do not match root hash", d.RID())
	}
	return nil
}

// ToMessage converts the block to its wire form.
func (d *Data) ToMessage() *message.UnfinishedBlock {
	return &message.UnfinishedBlock{Header: d.Header, Transactions: d.Transactions}
}

// DataWithWitness is a committed block.
type DataWithWitness struct {
	Data
	Height  int64
	Witness []byte
}

// ToMessage converts the committed block to its wire form.
func (b *DataWithWitness) ToMessage() *message.CompleteBlock {
	return &message.CompleteBlock{
		Data:    message.BlockData{Header: b.Header, Transactions: b.Transactions},
		Height:  b.Height,
		Witness: b.Witness,
	}
}

// FromCompleteBlock converts a wire CompleteBlock.
func FromCompleteBlock(m *message.CompleteBlock) *DataWithWitness {
	return &DataWithWitness{
		Data:    Data{Header: m.Data.Header, Transactions: m.Data.Transactions},
		Height:  m.Height,
		Witness: m.Witness,
	}
}

// Marshal encodes the committed block for storage.
func (b *DataWithWitness) Marshal() ([]byte, error) {
	return message.Encode(b.ToMessage())
}

// UnmarshalDataWithWitness is the counterpart of DataWithWitness.Marshal.
func UnmarshalDataWithWitness(data []byte) (*DataWithWitness, error) {
	m, err := message.Decode(data)
	if err != nil {
		return nil, err
	}
	cb, ok := m.(*message.CompleteBlock)
	if !ok {
		return nil, fmt.Errorf("stored block has type %s", m.Type())
	}
	return FromCompleteBlock(cb), nil
}
