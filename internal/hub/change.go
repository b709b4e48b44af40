package hub

import "time"

// Column describes one column of a changed row.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Change is one decoded row change from a tenant's WAL, in the shape
// the replicator hands to EmitCDC. The JSON form travels on the
// cluster relay.
type Change struct {
	Schema          string                 `json:"schema"`
	Table           string                 `json:"table"`
	Operation       string                 `json:"operation"` // INSERT, UPDATE or DELETE
	Columns         []Column               `json:"columns,omitempty"`
	Record          map[string]interface{} `json:"record,omitempty"`
	OldRecord       map[string]interface{} `json:"old_record,omitempty"`
	CommitTimestamp time.Time              `json:"commit_timestamp"`
	LSN             string                 `json:"lsn,omitempty"`
	Errors          []string               `json:"errors,omitempty"`
}

// filterTarget is the row filters evaluate against: the new row when
// there is one, the old row for deletes.
func (c *Change) filterTarget() map[string]interface{} {
	if len(c.Record) > 0 {
		return c.Record
	}
	return c.OldRecord
}

// payloadData renders the client-facing change for one role's visible
// column set. A nil set means every column is visible.
func (c *Change) payloadData(visible map[string]bool) map[string]interface{} {
	data := map[string]interface{}{
		"schema":           c.Schema,
		"table":            c.Table,
		"type":             c.Operation,
		"commit_timestamp": c.CommitTimestamp.UTC().Format(time.RFC3339Nano),
		"columns":          c.visibleColumns(visible),
		"errors":           c.Errors,
	}
	if c.Record != nil {
		data["record"] = stripColumns(c.Record, visible)
	}
	if c.OldRecord != nil {
		data["old_record"] = stripColumns(c.OldRecord, visible)
	}
	return data
}

func (c *Change) visibleColumns(visible map[string]bool) []Column {
	if visible == nil {
		return c.Columns
	}
	out := make([]Column, 0, len(c.Columns))
	for _, col := range c.Columns {
		if visible[col.Name] {
			out = append(out, col)
		}
	}
	return out
}

func stripColumns(record map[string]interface{}, visible map[string]bool) map[string]interface{} {
	if visible == nil {
		return record
	}
	out := make(map[string]interface{}, len(record))
	for k, v := range record {
		if visible[k] {
			out[k] = v
		}
	}
	return out
}
