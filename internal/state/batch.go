package state

import (
	"bytes"
	"encoding/json"
	"maps"
	"strconv"
)

// BatchID addresses one batch within a Store.
type BatchID uint32

// String returns the decimal form of the id.
func (id BatchID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Agent is one simulated agent. Field values are kept as raw JSON so that
// runners can use any encoding without the store interpreting it.
type Agent struct {
	ID     string                     `json:"agent_id"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
}

// Clone returns a deep copy of a.
func (a Agent) Clone() Agent {
	out := Agent{ID: a.ID}
	if a.Fields != nil {
		out.Fields = make(map[string]json.RawMessage, len(a.Fields))
		for k, v := range a.Fields {
			out.Fields[k] = bytes.Clone(v)
		}
	}
	return out
}

// Equal reports whether a and b hold the same id and byte-identical fields.
func (a Agent) Equal(b Agent) bool {
	if a.ID != b.ID {
		return false
	}
	return maps.EqualFunc(a.Fields, b.Fields, func(x, y json.RawMessage) bool {
		return bytes.Equal(x, y)
	})
}

// Batch is a contiguous group of agents, the smallest unit of access and
// splitting. Version increases by one every time a change is folded in.
type Batch struct {
	ID      BatchID         `json:"id"`
	Version uint64          `json:"version"`
	Agents  []Agent         `json:"agents"`
	Context json.RawMessage `json:"context,omitempty"`
}

// Clone returns a deep copy of b.
func (b Batch) Clone() Batch {
	out := Batch{
		ID:      b.ID,
		Version: b.Version,
		Context: bytes.Clone(b.Context),
	}
	if b.Agents != nil {
		out.Agents = make([]Agent, len(b.Agents))
		for i, a := range b.Agents {
			out.Agents[i] = a.Clone()
		}
	}
	return out
}

// Record is one entry of the output log.
type Record struct {
	Step  uint64          `json:"step"`
	Batch BatchID         `json:"batch"`
	Data  json.RawMessage `json:"data"`
}

// Change describes the fold of one batch. Nil fields leave the corresponding
// part of the batch untouched.
type Change struct {
	Batch   BatchID
	Agents  []Agent
	Context json.RawMessage
}
