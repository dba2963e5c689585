package wsserver

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageEventEncodesBinary(t *testing.T) {
	now := time.Now()

	text := newMessageEvent("c1", []byte("hello"), false, now)
	assert.Equal(t, "hello", text.Message)
	assert.False(t, text.IsBinary)

	bin := newMessageEvent("c1", []byte{0x01, 0x02, 0x03}, true, now)
	assert.Equal(t, "AQID", bin.Message)
	assert.True(t, bin.IsBinary)
	assert.Equal(t, now, bin.Timestamp())
}

func TestRecordJSON(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	closeEv := &CloseEvent{BaseEvent: BaseEvent{Ts: ts}, ConnID: "c1", Code: CloseAbnormal, WasClean: false}
	data, err := closeEv.Record().ToJSON()
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "close", got["kind"])
	assert.Equal(t, "c1", got["uuid"])
	assert.Equal(t, float64(1006), got["code"])
	assert.Equal(t, false, got["was_clean"])
	assert.Equal(t, "", got["reason"])
	assert.NotContains(t, got, "msg")
	assert.Equal(t, "2026-01-02T03:04:05Z", got["timestamp"])

	open := &OpenEvent{
		BaseEvent:     BaseEvent{Ts: ts},
		ConnID:        "c2",
		RemoteAddress: "10.0.0.7",
		Subprotocol:   "json",
		Handshake:     HandshakeMetadata{Headers: map[string]string{"Host": "x"}, ResourcePath: "/chat"},
	}
	data, err = open.Record().ToJSON()
	require.NoError(t, err)
	got = nil
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "open", got["kind"])
	assert.Equal(t, "10.0.0.7", got["remote_addr"])
	assert.Equal(t, "json", got["protocol"])
	hs := got["handshake"].(map[string]interface{})
	assert.Equal(t, "/chat", hs["resource"])
}

func TestFailureRecordOmitsEmptyReason(t *testing.T) {
	rec := (&FailureEvent{ServerAddress: "0.0.0.0", ServerPort: 8787}).Record()
	assert.Nil(t, rec.FailureReason)
	require.NotNil(t, rec.ServerPort)
	assert.Equal(t, 8787, *rec.ServerPort)
	assert.Empty(t, rec.ConnID)
}

func TestPhaseNames(t *testing.T) {
	assert.Equal(t, "running", PhaseRunning.String())
	text, err := PhaseFailed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "failed", string(text))
	assert.True(t, PhaseStarting.Live())
	assert.False(t, PhaseStopped.Live())
	assert.True(t, PhaseFailed.Terminal())
	assert.False(t, PhaseCreated.Terminal())
}
