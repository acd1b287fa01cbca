package message

import (
	"fmt"

	"github.com/mosaicnetworks/ebft/src/common"
)

// Type is the ordinal that prefixes every encoded message.
type Type int64

// Message type ordinals. The values are part of the wire format.
const (
	TypeIdentification Type = iota
	TypeStatus
	TypeTransaction
	TypeSignature
	TypeBlockSignature
	TypeBlockData
	TypeGetBlockSignature
	TypeCompleteBlock
	TypeGetBlockAtHeight
	TypeGetUnfinishedBlock
	TypeUnfinishedBlock
	TypeGetBlockHeaderAndBlock
	TypeBlockHeader
)

var typeNames = map[Type]string{
	TypeIdentification:         "Identification",
	TypeStatus:                 "Status",
	TypeTransaction:            "Transaction",
	TypeSignature:              "Signature",
	TypeBlockSignature:         "BlockSignature",
	TypeBlockData:              "BlockData",
	TypeGetBlockSignature:      "GetBlockSignature",
	TypeCompleteBlock:          "CompleteBlock",
	TypeGetBlockAtHeight:       "GetBlockAtHeight",
	TypeGetUnfinishedBlock:     "GetUnfinishedBlock",
	TypeUnfinishedBlock:        "UnfinishedBlock",
	TypeGetBlockHeaderAndBlock: "GetBlockHeaderAndBlock",
	TypeBlockHeader:            "BlockHeader",
}

var fieldCount = map[Type]int{
	TypeIdentification:         3,
	TypeStatus:                 6,
	TypeTransaction:            1,
	TypeSignature:              2,
	TypeBlockSignature:         3,
	TypeBlockData:              2,
	TypeGetBlockSignature:      1,
	TypeCompleteBlock:          4,
	TypeGetBlockAtHeight:       1,
	TypeGetUnfinishedBlock:     1,
	TypeUnfinishedBlock:        2,
	TypeGetBlockHeaderAndBlock: 1,
	TypeBlockHeader:            3,
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Type(%d)", int64(t))
}

// Message is implemented by every wire message.
type Message interface {
	Type() Type
	fields() []interface{}
}

// Identification is sent when a connection is opened.
type Identification struct {
	PubKey        []byte
	BlockchainRID []byte
	Timestamp     int64
}

// Status advertises the consensus status of the sender.
type Status struct {
	BlockRID  []byte
	Height    int64
	Revolting bool
	Round     int64
	Serial    int64
	State     int64
}

// Transaction carries a raw transaction.
type Transaction struct {
	Data []byte
}

// Signature is a signature and the subject ID (public key) of its signer.
type Signature struct {
	SubjectID []byte
	Data      []byte
}

// BlockSignature is a commit signature over a block RID.
type BlockSignature struct {
	BlockRID []byte
	Sig      Signature
}

// BlockData is a block header and its transactions.
type BlockData struct {
	Header       []byte
	Transactions [][]byte
}

// GetBlockSignature asks a validator for its commit signature of a block.
type GetBlockSignature struct {
	BlockRID []byte
}

// CompleteBlock is a committed block with its witness.
type CompleteBlock struct {
	Data    BlockData
	Height  int64
	Witness []byte
}

// GetBlockAtHeight asks for a committed block.
type GetBlockAtHeight struct {
	Height int64
}

// GetUnfinishedBlock asks for the block currently being voted on.
type GetUnfinishedBlock struct {
	BlockRID []byte
}

// UnfinishedBlock is a proposed, not yet committed, block.
type UnfinishedBlock struct {
	Header       []byte
	Transactions [][]byte
}

// GetBlockHeaderAndBlock asks for the header of a committed block and, when
// the responder is working on it, the block itself.
type GetBlockHeaderAndBlock struct {
	Height int64
}

// BlockHeader answers GetBlockHeaderAndBlock. When the responder does not have
// the requested block, Header holds its own latest header (empty if it has no
// block at all) and RequestedHeight echoes the request.
type BlockHeader struct {
	Header          []byte
	Witness         []byte
	RequestedHeight int64
}

func (*Identification) Type() Type         { return TypeIdentification }
func (*Status) Type() Type                 { return TypeStatus }
func (*Transaction) Type() Type            { return TypeTransaction }
func (*Signature) Type() Type              { return TypeSignature }
func (*BlockSignature) Type() Type         { return TypeBlockSignature }
func (*BlockData) Type() Type              { return TypeBlockData }
func (*GetBlockSignature) Type() Type      { return TypeGetBlockSignature }
func (*CompleteBlock) Type() Type          { return TypeCompleteBlock }
func (*GetBlockAtHeight) Type() Type       { return TypeGetBlockAtHeight }
func (*GetUnfinishedBlock) Type() Type     { return TypeGetUnfinishedBlock }
func (*UnfinishedBlock) Type() Type        { return TypeUnfinishedBlock }
func (*GetBlockHeaderAndBlock) Type() Type { return TypeGetBlockHeaderAndBlock }
func (*BlockHeader) Type() Type            { return TypeBlockHeader }

func (m *Identification) fields() []interface{} {
	return []interface{}{bytesField(m.PubKey), bytesField(m.BlockchainRID), m.Timestamp}
}

func (m *Status) fields() []interface{} {
	return []interface{}{bytesField(m.BlockRID), m.Height, m.Revolting, m.Round, m.Serial, m.State}
}

func (m *Transaction) fields() []interface{} {
	return []interface{}{bytesField(m.Data)}
}

func (m *Signature) fields() []interface{} {
	return []interface{}{bytesField(m.SubjectID), bytesField(m.Data)}
}

func (m *BlockSignature) fields() []interface{} {
	return []interface{}{bytesField(m.BlockRID), bytesField(m.Sig.SubjectID), bytesField(m.Sig.Data)}
}

func (m *BlockData) fields() []interface{} {
	return []interface{}{bytesField(m.Header), byteArrayField(m.Transactions)}
}

func (m *GetBlockSignature) fields() []interface{} {
	return []interface{}{bytesField(m.BlockRID)}
}

func (m *CompleteBlock) fields() []interface{} {
	return []interface{}{bytesField(m.Data.Header), byteArrayField(m.Data.Transactions), m.Height, bytesField(m.Witness)}
}

func (m *GetBlockAtHeight) fields() []interface{} {
	return []interface{}{m.Height}
}

func (m *GetUnfinishedBlock) fields() []interface{} {
	return []interface{}{bytesField(m.BlockRID)}
}

func (m *UnfinishedBlock) fields() []interface{} {
	return []interface{}{bytesField(m.Header), byteArrayField(m.Transactions)}
}

func (m *GetBlockHeaderAndBlock) fields() []interface{} {
	return []interface{}{m.Height}
}

func (m *BlockHeader) fields() []interface{} {
	return []interface{}{bytesField(m.Header), bytesField(m.Witness), m.RequestedHeight}
}

func build(t Type, r fieldReader) (Message, error) {
	var m Message

	switch t {
	case TypeIdentification:
		m = &Identification{PubKey: r.bytes(), BlockchainRID: r.bytes(), Timestamp: r.int()}
	case TypeStatus:
		m = &Status{BlockRID: r.bytes(), Height: r.int(), Revolting: r.bool(), Round: r.int(), Serial: r.int(), State: r.int()}
	case TypeTransaction:
		m = &Transaction{Data: r.bytes()}
	case TypeSignature:
		m = &Signature{SubjectID: r.bytes(), Data: r.bytes()}
	case TypeBlockSignature:
		m = &BlockSignature{BlockRID: r.bytes(), Sig: Signature{SubjectID: r.bytes(), Data: r.bytes()}}
	case TypeBlockData:
		m = &BlockData{Header: r.bytes(), Transactions: r.byteArray()}
	case TypeGetBlockSignature:
		m = &GetBlockSignature{BlockRID: r.bytes()}
	case TypeCompleteBlock:
		m = &CompleteBlock{Data: BlockData{Header: r.bytes(), Transactions: r.byteArray()}, Height: r.int(), Witness: r.bytes()}
	case TypeGetBlockAtHeight:
		m = &GetBlockAtHeight{Height: r.int()}
	case TypeGetUnfinishedBlock:
		m = &GetUnfinishedBlock{BlockRID: r.bytes()}
	case TypeUnfinishedBlock:
		m = &UnfinishedBlock{Header: r.bytes(), Transactions: r.byteArray()}
	case TypeGetBlockHeaderAndBlock:
		m = &GetBlockHeaderAndBlock{Height: r.int()}
	case TypeBlockHeader:
		m = &BlockHeader{Header: r.bytes(), Witness: r.bytes(), RequestedHeight: r.int()}
	default:
		return nil, fmt.Errorf("unknown message type %d", int64(t))
	}

	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

// Describe returns a short human readable form of a message for logs.
func Describe(m Message) string {
	switch v := m.(type) {
	case *Status:
		return fmt.Sprintf("Status{height=%d round=%d serial=%d state=%d revolting=%t rid=%s}",
			v.Height, v.Round, v.Serial, v.State, v.Revolting, common.ShortHex(v.BlockRID, 8))
	case *CompleteBlock:
		return fmt.Sprintf("CompleteBlock{height=%d txs=%d}", v.Height, len(v.Data.Transactions))
	case *GetBlockAtHeight:
		return fmt.Sprintf("GetBlockAtHeight{height=%d}", v.Height)
	case *BlockSignature:
		return fmt.Sprintf("BlockSignature{rid=%s}", common.ShortHex(v.BlockRID, 8))
	case *GetBlockSignature:
		return fmt.Sprintf("GetBlockSignature{rid=%s}", common.ShortHex(v.BlockRID, 8))
	case *GetUnfinishedBlock:
		return fmt.Sprintf("GetUnfinishedBlock{rid=%s}", common.ShortHex(v.BlockRID, 8))
	default:
		return m.Type().String()
	}
}
