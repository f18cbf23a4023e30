package types

import (
	"fmt"
	"strconv"
)

// Position is the checkpoint of a shard. Offsets are zero padded so that
// the lexical order of two offsets is their numeric order.
type Position string

const (
	// PositionBeginning is the position of a shard nothing was read from.
	PositionBeginning Position = ""
	// PositionEOF marks a shard that was fully consumed.
	PositionEOF Position = "~eof"
)

// PositionOffset returns the position right after offset.
func PositionOffset(offset uint64) Position {
	return Position(fmt.Sprintf("%020d", offset))
}

// Offset returns the numeric offset of the position, if it is one.
func (p Position) Offset() (uint64, bool) {
	if p == PositionBeginning || p == PositionEOF {
		return 0, false
	}
	offset, err := strconv.ParseUint(string(p), 10, 64)
	if err != nil {
		return 0, false
	}
	return offset, true
}

// IsEOF reports whether the shard was fully consumed.
func (p Position) IsEOF() bool {
	return p == PositionEOF
}

// Max returns the furthest of p and other. Positions order lexically:
// beginning, then offsets, then EOF.
func (p Position) Max(other Position) Position {
	if other > p {
		return other
	}
	return p
}

func (p Position) String() string {
	switch p {
	case PositionBeginning:
		return "beginning"
	case PositionEOF:
		return "eof"
	}
	if offset, ok := p.Offset(); ok {
		return strconv.FormatUint(offset, 10)
	}
	return string(p)
}

// ShardPosition pairs a shard with its new position.
type ShardPosition struct {
	ShardID  ShardID  `json:"shard_id"`
	Position Position `json:"position"`
}

// ShardPositionsUpdate is published whenever shards of a source advance,
// whether the advance was observed by a local pipeline or learned from a
// remote node. Only shards that moved are listed: a shard absent from the
// list is unchanged, never reset.
type ShardPositionsUpdate struct {
	SourceUID             SourceUID       `json:"source_uid"`
	UpdatedShardPositions []ShardPosition `json:"updated_shard_positions"`
}
