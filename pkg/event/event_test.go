package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsIDAndTimestamp(t *testing.T) {
	e := New(KindStart, "agent-1", Env)
	assert.NotEmpty(t, e.EventID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, KindStart, e.EventKind)
	assert.Equal(t, "agent-1", e.FromID)
	assert.Equal(t, Env, e.ToID)
}

func TestWithPayloadRoundTrip(t *testing.T) {
	e := New(KindTick, Env, All, WithPayload(TickPayload{Step: 7}))

	var p TickPayload
	require.NoError(t, e.Unmarshal(&p))
	assert.Equal(t, uint64(7), p.Step)
}

func TestWithParentChainsFlow(t *testing.T) {
	req := New(KindDataGet, "agent-1", Env)
	resp := New(KindDataGetResponse, Env, "agent-1", WithParent(req.EventID))
	assert.Equal(t, req.EventID, resp.ParentEventID)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	original := New(KindDataSet, "agent-1", Env, WithPayload(DataSetPayload{
		SourceKind: "forager", TargetKind: "env", Key: "food", Value: json.RawMessage(`42`),
	}))

	data, err := Marshal(original)
	require.NoError(t, err)

	decoded, err := UnmarshalEvent(data)
	require.NoError(t, err)
	assert.Equal(t, original.EventID, decoded.EventID)
	assert.Equal(t, original.EventKind, decoded.EventKind)
	assert.JSONEq(t, string(original.Payload), string(decoded.Payload))

	reencoded, err := Marshal(decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(reencoded))
}

func TestIsResponse(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindDataGetResponse, true},
		{KindDataSetResponse, true},
		{KindDataGet, false},
		{KindStart, false},
		{KindTick, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, IsResponse(c.kind), "kind %s", c.kind)
	}
}

func TestWithIDOverridesGenerated(t *testing.T) {
	e := New(KindEnd, "agent-1", Env, WithID("fixed-id"))
	assert.Equal(t, "fixed-id", e.EventID)
}
