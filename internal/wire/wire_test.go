// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotIDJSONRoundtrip(t *testing.T) {
	id := NewSlotID()

	data, err := id.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"`+id.String()+`"`, string(data))

	var decoded SlotID
	require.NoError(t, decoded.UnmarshalJSON(data))
	assert.Equal(t, id, decoded)
}

func TestParseSlotIDRejectsGarbage(t *testing.T) {
	_, err := ParseSlotID("not-a-uuid")
	assert.Error(t, err)
}

func TestCodecRoundtripControlRequestCancel(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	dec := NewDecoder(&buf)

	slot := NewSlotID()
	req := NewCancelRequest(slot)

	require.NoError(t, enc.Encode(req))

	var decoded ControlRequest
	require.NoError(t, dec.Decode(&decoded))

	assert.Equal(t, ControlRequestCancel, decoded.Type)
	assert.Equal(t, slot, decoded.Slot)
}

func TestCodecRoundtripControlResponseReady(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	dec := NewDecoder(&buf)

	slots := []SlotID{NewSlotID(), NewSlotID()}
	resp := ControlResponse{Type: ControlResponseReady, Slots: slots}

	require.NoError(t, enc.Encode(resp))

	var decoded ControlResponse
	require.NoError(t, dec.Decode(&decoded))

	assert.Equal(t, ControlResponseReady, decoded.Type)
	require.Len(t, decoded.Slots, 2)
	assert.Equal(t, slots[0], decoded.Slots[0])
	assert.Equal(t, slots[1], decoded.Slots[1])
}

func TestCodecRoundtripSlotRequestPredict(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	dec := NewDecoder(&buf)

	req := NewPredictRequest("pred_123", map[string]interface{}{"text": "hello"}, "/tmp/coglet/outputs/pred_123")
	require.NoError(t, enc.Encode(req))

	var decoded SlotRequest
	require.NoError(t, dec.Decode(&decoded))

	assert.Equal(t, SlotRequestPredict, decoded.Type)
	assert.Equal(t, "pred_123", decoded.ID)
	assert.Equal(t, "hello", decoded.Input.(map[string]interface{})["text"])
	assert.Equal(t, "/tmp/coglet/outputs/pred_123", decoded.OutputDir)
}

func TestCodecRoundtripSlotResponseDone(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	dec := NewDecoder(&buf)

	resp := SlotResponse{
		Type:        SlotResponseDone,
		ID:          "pred_123",
		Output:      "final result",
		PredictTime: 1.234,
	}
	require.NoError(t, enc.Encode(resp))

	var decoded SlotResponse
	require.NoError(t, dec.Decode(&decoded))

	assert.Equal(t, SlotResponseDone, decoded.Type)
	assert.Equal(t, "pred_123", decoded.ID)
	assert.Equal(t, "final result", decoded.Output)
	assert.InDelta(t, 1.234, decoded.PredictTime, 0.0001)
}

func TestCodecMultipleFramesOnSameStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	dec := NewDecoder(&buf)

	require.NoError(t, enc.Encode(NewShutdownRequest()))
	require.NoError(t, enc.Encode(NewCancelRequest(NewSlotID())))

	var first, second ControlRequest
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))

	assert.Equal(t, ControlRequestShutdown, first.Type)
	assert.Equal(t, ControlRequestCancel, second.Type)
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(header)

	dec := NewDecoder(&buf)
	var v ControlRequest
	err := dec.Decode(&v)
	assert.Error(t, err)
}

func TestSlotOutcomeToControlResponse(t *testing.T) {
	slot := NewSlotID()

	idle := IdleOutcome(slot)
	assert.Equal(t, ControlResponseIdle, idle.ToControlResponse().Type)
	assert.False(t, idle.Poisoned)

	poisoned := PoisonedOutcome(slot, "boom")
	resp := poisoned.ToControlResponse()
	assert.Equal(t, ControlResponseFailed, resp.Type)
	assert.Equal(t, "boom", resp.Error)
	assert.True(t, poisoned.Poisoned)
}
