/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package feed carries row-change notifications and ephemeral broadcasts
// between the record store and room subscribers.
package feed

import (
	"encoding/json"
	"fmt"
)

type Table string

const (
	TableRooms   Table = "rooms"
	TablePlayers Table = "players"
	TableMoves   Table = "moves"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change describes one committed write. Row holds the JSON encoding of the
// record after the write, or of the removed record for deletes.
type Change struct {
	Table  Table           `json:"table"`
	Op     Op              `json:"op"`
	RoomID string          `json:"room_id"`
	Row    json.RawMessage `json:"row,omitempty"`
}

func NewChange(table Table, op Op, roomID string, row any) (Change, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return Change{}, fmt.Errorf("encode %s row: %w", table, err)
	}

	return Change{Table: table, Op: op, RoomID: roomID, Row: raw}, nil
}

// Decode unmarshals the row into v.
func (c Change) Decode(v any) error {
	if len(c.Row) == 0 {
		return fmt.Errorf("decode %s %s: empty row", c.Table, c.Op)
	}

	return json.Unmarshal(c.Row, v)
}

// Broadcast is a fire-and-forget hint relayed to the other subscribers of a
// room. It is never persisted.
type Broadcast struct {
	Event   string          `json:"event"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is what a subscriber receives. Exactly one field is set.
type Message struct {
	Change    *Change
	Broadcast *Broadcast
}

type FrameType string

const (
	FrameJoined    FrameType = "joined"
	FrameChange    FrameType = "change"
	FrameBroadcast FrameType = "broadcast"
	FrameError     FrameType = "error"
)

// Frame is the websocket wire format in both directions.
type Frame struct {
	Type         FrameType  `json:"type"`
	Subscription string     `json:"subscription,omitempty"`
	Change       *Change    `json:"change,omitempty"`
	Broadcast    *Broadcast `json:"broadcast,omitempty"`
	Error        string     `json:"error,omitempty"`
}

func FrameFor(msg Message) Frame {
	if msg.Change != nil {
		return Frame{Type: FrameChange, Change: msg.Change}
	}

	return Frame{Type: FrameBroadcast, Broadcast: msg.Broadcast}
}
