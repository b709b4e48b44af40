package cdc

import (
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavecast/wavecast/internal/hub"
)

func TestDecodeInsertWithinTransaction(t *testing.T) {
	var d decoder

	change, err := d.decode(pglogrepl.LSN(1), []byte(`{"action":"B","timestamp":"2026-03-14 09:30:00.123456+00"}`))
	require.NoError(t, err)
	assert.Nil(t, change, "begin marker only sets state")

	insert := `{"action":"I","schema":"public","table":"orders","columns":[
		{"name":"id","type":"int8","value":42},
		{"name":"note","type":"text","value":"hi"},
		{"name":"open","type":"bool","value":true},
		{"name":"ref","type":"text","value":null}]}`
	change, err = d.decode(pglogrepl.LSN(0x16B374D848), []byte(insert))
	require.NoError(t, err)
	require.NotNil(t, change)

	assert.Equal(t, "INSERT", change.Operation)
	assert.Equal(t, "public", change.Schema)
	assert.Equal(t, "orders", change.Table)
	assert.Equal(t, "16/B374D848", change.LSN)
	assert.Equal(t, float64(42), change.Record["id"])
	assert.Equal(t, "hi", change.Record["note"])
	assert.Equal(t, true, change.Record["open"])
	assert.Nil(t, change.Record["ref"])
	require.Len(t, change.Columns, 4)
	assert.Equal(t, hub.Column{Name: "id", Type: "int8"}, change.Columns[0])

	want := time.Date(2026, 3, 14, 9, 30, 0, 123456000, time.UTC)
	assert.True(t, change.CommitTimestamp.Equal(want), "tuples inherit the transaction timestamp")
}

func TestDecodeUpdateCarriesOldRow(t *testing.T) {
	var d decoder
	update := `{"action":"U","schema":"public","table":"orders","columns":[
		{"name":"id","type":"int8","value":1},
		{"name":"status","type":"text","value":"paid"}],"identity":[
		{"name":"id","type":"int8","value":1},
		{"name":"status","type":"text","value":"open"}]}`
	change, err := d.decode(pglogrepl.LSN(2), []byte(update))
	require.NoError(t, err)
	assert.Equal(t, "UPDATE", change.Operation)
	assert.Equal(t, "paid", change.Record["status"])
	assert.Equal(t, "open", change.OldRecord["status"])
}

func TestDecodeDeleteUsesIdentity(t *testing.T) {
	var d decoder
	del := `{"action":"D","schema":"public","table":"orders","identity":[{"name":"id","type":"int8","value":1}]}`
	change, err := d.decode(pglogrepl.LSN(3), []byte(del))
	require.NoError(t, err)
	assert.Equal(t, "DELETE", change.Operation)
	assert.Nil(t, change.Record)
	assert.Equal(t, float64(1), change.OldRecord["id"])
	require.Len(t, change.Columns, 1)
}

func TestDecodeIgnoresNonTupleActions(t *testing.T) {
	var d decoder
	for _, raw := range []string{
		`{"action":"M","prefix":"wal","content":"x"}`,
		`{"action":"T","schema":"public","table":"orders"}`,
		`{"action":"C","timestamp":"2026-03-14 09:30:01+00"}`,
	} {
		change, err := d.decode(pglogrepl.LSN(1), []byte(raw))
		require.NoError(t, err, raw)
		assert.Nil(t, change, raw)
	}

	_, err := d.decode(pglogrepl.LSN(1), []byte(`{not json`))
	assert.Error(t, err)
}
