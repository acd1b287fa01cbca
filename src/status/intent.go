package status

import (
	"bytes"
	"fmt"

	cm "github.com/mosaicnetworks/ebft/src/common"
)

// BlockIntent is the next action the local validator should take. It is one
// of DoNothingIntent, BuildBlockIntent, CommitBlockIntent,
// FetchBlockAtHeightIntent, FetchCommitSignatureIntent and
// FetchUnfinishedBlockIntent.
type BlockIntent interface {
	fmt.Stringer
	intent()
}

// DoNothingIntent ...
type DoNothingIntent struct{}

// BuildBlockIntent asks the local validator, as primary, to build a block.
type BuildBlockIntent struct{}

// CommitBlockIntent asks to commit the current block.
type CommitBlockIntent struct{}

// FetchBlockAtHeightIntent asks for the committed block at Height.
type FetchBlockAtHeightIntent struct {
	Height int64
}

// FetchCommitSignatureIntent asks Nodes for their signature of BlockRID.
type FetchCommitSignatureIntent struct {
	BlockRID []byte
	Nodes    []int
}

// FetchUnfinishedBlockIntent asks the primary for the block it proposed.
type FetchUnfinishedBlockIntent struct {
	BlockRID []byte
}

func (DoNothingIntent) intent()            {}
func (BuildBlockIntent) intent()           {}
func (CommitBlockIntent) intent()          {}
func (FetchBlockAtHeightIntent) intent()   {}
func (FetchCommitSignatureIntent) intent() {}
func (FetchUnfinishedBlockIntent) intent() {}

func (DoNothingIntent) String() string   { return "DoNothing" }
func (BuildBlockIntent) String() string  { return "BuildBlock" }
func (CommitBlockIntent) String() string { return "CommitBlock" }

func (i FetchBlockAtHeightIntent) String() string {
	return fmt.Sprintf("FetchBlockAtHeight(%d)", i.Height)
}

func (i FetchCommitSignatureIntent) String() string {
	return fmt.Sprintf("FetchCommitSignature(%s, %v)", cm.ShortHex(i.BlockRID, 8), i.Nodes)
}

func (i FetchUnfinishedBlockIntent) String() string {
	return fmt.Sprintf("FetchUnfinishedBlock(%s)", cm.ShortHex(i.BlockRID, 8))
}

// IntentsEqual compares two intents by variant and payload.
func IntentsEqual(a, b BlockIntent) bool {
	switch x := a.(type) {
	case DoNothingIntent, BuildBlockIntent, CommitBlockIntent:
		return a == b
	case FetchBlockAtHeightIntent:
		y, ok := b.(FetchBlockAtHeightIntent)
		return ok && x.Height == y.Height
	case FetchUnfinishedBlockIntent:
		y, ok := b.(FetchUnfinishedBlockIntent)
		return ok && bytes.Equal(x.BlockRID, y.BlockRID)
	case FetchCommitSignatureIntent:
		y, ok := b.(FetchCommitSignatureIntent)
		if !ok || !bytes.Equal(x.BlockRID, y.BlockRID) || len(x.Nodes) != len(y.Nodes) {
			return false
		}
		for i := range x.Nodes {
			if x.Nodes[i] != y.Nodes[i] {
				return false
			}
		}
		return true
	}
	return false
}
