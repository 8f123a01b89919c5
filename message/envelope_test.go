package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
)

func TestNew_Defaults(t *testing.T) {
	env := New(TypeHeartbeat, "svc-1", &HeartbeatPayload{ServiceID: "svc-1"})

	assert.Equal(t, TypeHeartbeat, env.Type)
	assert.NotEmpty(t, env.Headers.MessageID)
	assert.Equal(t, env.Headers.MessageID, env.Headers.CorrelationID)
	assert.Equal(t, "svc-1", env.Headers.Source)
	assert.False(t, env.Headers.Timestamp.IsZero())
	assert.Empty(t, env.Headers.Destination)
}

func TestNew_UniqueMessageIDs(t *testing.T) {
	a := New(TypeHeartbeat, "svc", &HeartbeatPayload{ServiceID: "svc"})
	b := New(TypeHeartbeat, "svc", &HeartbeatPayload{ServiceID: "svc"})

	assert.NotEqual(t, a.Headers.MessageID, b.Headers.MessageID)
}

func TestReply_Correlation(t *testing.T) {
	req := New(TypeDataRequest, "consumer", &DataRequestPayload{RequestID: "r1", DataType: "user-profile"})
	resp := Reply(req, TypeDataResponse, "provider", &DataResponsePayload{RequestID: "r1"})

	assert.Equal(t, req.Headers.CorrelationID, resp.Headers.CorrelationID)
	assert.NotEqual(t, req.Headers.MessageID, resp.Headers.MessageID)
	assert.Equal(t, "consumer", resp.Headers.Destination)
	assert.Equal(t, "provider", resp.Headers.Source)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	env := New(TypeRegister, "svc-a", &RegisterPayload{
		ServiceID:    "svc-a",
		ServiceType:  "document-indexer",
		Capabilities: []string{"index", "search"},
		Metadata:     map[string]string{"region": "local"},
	}, WithDestination("svc-b"))

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, env.Type, decoded.Type)
	assert.Equal(t, env.Headers.MessageID, decoded.Headers.MessageID)
	assert.Equal(t, "svc-b", decoded.Headers.Destination)

	payload, ok := decoded.Payload.(*RegisterPayload)
	require.True(t, ok)
	assert.Equal(t, "document-indexer", payload.ServiceType)
	assert.Equal(t, []string{"index", "search"}, payload.Capabilities)
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"BOGUS","headers":{"messageId":"m","source":"s","timestamp":"2026-01-01T00:00:00Z"},"payload":{}}`))

	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}

func TestDecode_InvalidPayload(t *testing.T) {
	// Heartbeat without a serviceId must be rejected at the boundary.
	_, err := Decode([]byte(`{"type":"HEARTBEAT","headers":{"correlationId":"c","messageId":"m","source":"s","timestamp":"2026-01-01T00:00:00Z"},"payload":{}}`))

	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}

func TestValidate_MissingHeaders(t *testing.T) {
	env := New(TypeHeartbeat, "", &HeartbeatPayload{ServiceID: "svc"})
	assert.Error(t, env.Validate())

	env = New(TypeHeartbeat, "svc", &HeartbeatPayload{ServiceID: "svc"})
	env.Headers.MessageID = ""
	assert.Error(t, env.Validate())

	env = New(TypeHeartbeat, "svc", nil)
	assert.Error(t, env.Validate())
}

func TestWithTimestamp(t *testing.T) {
	past := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := New(TypeHeartbeat, "svc", &HeartbeatPayload{ServiceID: "svc"}, WithTimestamp(past))

	assert.Equal(t, past, env.Headers.Timestamp)
}

func TestPayloadValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{"valid register", &RegisterPayload{ServiceID: "s", ServiceType: "t"}, false},
		{"register missing type", &RegisterPayload{ServiceID: "s"}, true},
		{"valid task create", &TaskCreatePayload{TaskID: "t1", TaskType: "index"}, false},
		{"task create missing type", &TaskCreatePayload{TaskID: "t1"}, true},
		{"task fail missing error", &TaskFailPayload{TaskID: "t1"}, true},
		{"valid task fail", &TaskFailPayload{TaskID: "t1", Error: "boom"}, false},
		{"storage set version zero", &StorageSetPayload{Namespace: "ns", Key: "k"}, true},
		{"valid storage set", &StorageSetPayload{Namespace: "ns", Key: "k", Version: 1}, false},
		{"storage response found without version", &StorageResponsePayload{Namespace: "ns", Key: "k", Found: true}, true},
		{"storage response miss", &StorageResponsePayload{Namespace: "ns", Key: "k"}, false},
		{"stream chunk negative sequence", &StreamChunkPayload{RequestID: "r", Sequence: -1}, true},
		{"valid stream chunk", &StreamChunkPayload{RequestID: "r", Sequence: 0, IsLast: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "a2a.task.create.svc-9", SubjectTaskCreateFor("svc-9"))
	assert.Equal(t, "a2a.data.request.user-profile", SubjectDataRequest("user-profile"))
	assert.Equal(t, "a2a.stream.req-1", SubjectStream("req-1"))
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))

	info := FromError(errors.WrapTimeout(errors.ErrTimeout, "Exchange", "RequestData", "await reply"))
	require.NotNil(t, info)
	assert.Equal(t, string(errors.CodeTimeout), info.Code)
	assert.NotEmpty(t, info.Message)
}
