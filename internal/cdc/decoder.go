// Package cdc polls tenant databases for logical replication changes
// and fans them into the hub. One replicator runs per tenant on its
// owning node; the slot is only advanced after a batch is enqueued, so
// delivery above the checkpoint is at least once.
package cdc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/wavecast/wavecast/internal/hub"
)

// wal2json format-version 2 emits one JSON document per row: B and C
// transaction markers, I/U/D tuples, M messages and T truncates.
const walTimeLayout = "2006-01-02 15:04:05.999999-07"

type walColumn struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

type walMessage struct {
	Action    string      `json:"action"`
	Schema    string      `json:"schema"`
	Table     string      `json:"table"`
	Columns   []walColumn `json:"columns"`
	Identity  []walColumn `json:"identity"`
	Timestamp string      `json:"timestamp"`
}

// decoder turns peeked slot rows into hub Changes. It is stateful: the
// commit timestamp comes from the transaction markers around the
// tuples.
type decoder struct {
	commitTime time.Time
}

// decode parses one slot row. Markers and non-tuple actions return a
// nil change with no error.
func (d *decoder) decode(lsn pglogrepl.LSN, data []byte) (*hub.Change, error) {
	var msg walMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("undecodable wal2json row at %s: %w", lsn, err)
	}

	switch msg.Action {
	case "B", "C":
		if msg.Timestamp != "" {
			if ts, err := time.Parse(walTimeLayout, msg.Timestamp); err == nil {
				d.commitTime = ts
			}
		}
		return nil, nil
	case "I", "U", "D":
	default:
		// Messages and truncates have no subscribers.
		return nil, nil
	}

	change := &hub.Change{
		Schema:          msg.Schema,
		Table:           msg.Table,
		Operation:       operationName(msg.Action),
		CommitTimestamp: d.commitTime,
		LSN:             lsn.String(),
	}

	switch msg.Action {
	case "I":
		change.Columns, change.Record = decodeTuple(msg.Columns)
	case "U":
		change.Columns, change.Record = decodeTuple(msg.Columns)
		_, change.OldRecord = decodeTuple(msg.Identity)
	case "D":
		change.Columns, change.OldRecord = decodeTuple(msg.Identity)
	}
	return change, nil
}

func decodeTuple(cols []walColumn) ([]hub.Column, map[string]interface{}) {
	if len(cols) == 0 {
		return nil, nil
	}
	columns := make([]hub.Column, 0, len(cols))
	record := make(map[string]interface{}, len(cols))
	for _, c := range cols {
		columns = append(columns, hub.Column{Name: c.Name, Type: c.Type})
		record[c.Name] = c.Value
	}
	return columns, record
}

func operationName(action string) string {
	switch action {
	case "I":
		return "INSERT"
	case "U":
		return "UPDATE"
	case "D":
		return "DELETE"
	default:
		return action
	}
}
