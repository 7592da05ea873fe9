package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeStampsSchemaVersion(t *testing.T) {
	data, err := Encode(Envelope{Type: TypeHeartbeat, Status: StatusAlive})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "heartbeat", m["type"])
	assert.Equal(t, SchemaVersion, m["schemaVersion"])
	assert.Equal(t, "alive", m["status"])
}

func TestDecodeRoundTrip(t *testing.T) {
	metrics := ComputeMetrics(10, 5, 2, 3, "evolutionary", "seed-7", 42*time.Second)
	data, err := Encode(Envelope{
		Type:          TypeExperimentProgress,
		Timestamp:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		RunID:         "run-1",
		CorrelationID: "corr-1",
		Metrics:       &metrics,
		Event:         json.RawMessage(`{"event":"result","data":{"verdict":"SUCCESS"}}`),
	})
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeExperimentProgress, env.Type)
	assert.Equal(t, "run-1", env.RunID)
	assert.Equal(t, "corr-1", env.CorrelationID)
	require.NotNil(t, env.Metrics)
	assert.Equal(t, 40.0, env.Metrics.SuccessRate)
	assert.JSONEq(t, `{"event":"result","data":{"verdict":"SUCCESS"}}`, string(env.Event))
}

func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"schemaVersion":"1.0","runId":"run-1"}`))
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Contains(t, decodeErr.Reason, "missing type")
}

func TestDecodeInvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
}

func TestDecodeSchemaVersions(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{"1.0", true},
		{"1.7", true},  // newer minor, same major
		{"", true},     // absent (minimal heartbeat)
		{"2.0", false}, // incompatible major
		{"0.9", false},
	}
	for _, tt := range tests {
		data := []byte(`{"type":"heartbeat","schemaVersion":"` + tt.version + `"}`)
		if tt.version == "" {
			data = []byte(`{"type":"heartbeat"}`)
		}
		_, err := Decode(data)
		if tt.ok {
			assert.NoError(t, err, "version %q", tt.version)
		} else {
			var decodeErr *DecodeError
			assert.ErrorAs(t, err, &decodeErr, "version %q", tt.version)
		}
	}
}

func TestDecodePreservesUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"experiment_progress","schemaVersion":"1.3","runId":"r","futureField":{"nested":true}}`)
	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(raw), env.Raw)
	assert.Contains(t, string(env.Raw), "futureField")
}

func TestEnvelopeTypeValid(t *testing.T) {
	assert.True(t, TypeNovelMethodDiscovered.Valid())
	assert.True(t, TypeHeartbeat.Valid())
	assert.False(t, EnvelopeType("experiment_stopped").Valid())
	assert.False(t, EnvelopeType("").Valid())
}
