package source

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

// Keys of the reference document stored in place of an array payload.
const (
	RefKey   = "$ref"
	IndexKey = "$index"
)

// Record is an immutable time-stamped observation of a Source.
type Record struct {
	Time      time.Time       `json:"time"`
	SourceID  uuid.UUID       `json:"tdmq_id"`
	Footprint orb.Geometry    `json:"-"`
	Data      json.RawMessage `json:"data"`
}

// BlockRef is the inline data of a record whose payload lives in block storage.
type BlockRef struct {
	Ref   string `json:"$ref"`
	Index int    `json:"$index"`
}

// NewBlockRecord builds the reference record for slot index of an array source.
func NewBlockRecord(src ArraySource, t time.Time, footprint orb.Geometry, index int) (Record, error) {
	data, err := json.Marshal(BlockRef{Ref: src.ArrayName(), Index: index})
	if err != nil {
		return Record{}, err
	}
	if src.Stationary {
		footprint = nil
	}
	return Record{Time: t, SourceID: src.ID, Footprint: footprint, Data: data}, nil
}
