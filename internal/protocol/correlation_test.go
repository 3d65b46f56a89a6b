package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInjectRequestID(t *testing.T) {
	raw, err := InjectRequestID(SubmitGuessRequest{GuessIndex: 2}, "req-1")
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.JSONEq(t, `"req-1"`, string(fields["_requestId"]))
	assert.JSONEq(t, `2`, string(fields["guess_index"]))
}

func TestInjectRequestID_NilPayload(t *testing.T) {
	raw, err := InjectRequestID(nil, "req-2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"_requestId":"req-2"}`, string(raw))
}

func TestInjectRequestID_NonObjectPayload(t *testing.T) {
	_, err := InjectRequestID([]int{1, 2, 3}, "req-3")
	assert.Error(t, err)
}

func TestRequestID_Extraction(t *testing.T) {
	assert.Equal(t, "abc", RequestID(json.RawMessage(`{"_requestId":"abc","success":true}`)))
	assert.Equal(t, "", RequestID(json.RawMessage(`{"success":true}`)))
	assert.Equal(t, "", RequestID(nil))
}

func TestStripRequestID(t *testing.T) {
	raw := json.RawMessage(`{"_requestId":"abc","room_id":"alpha"}`)
	assert.JSONEq(t, `{"room_id":"alpha"}`, string(StripRequestID(raw)))

	// No id embedded: payload returned untouched.
	plain := json.RawMessage(`{"room_id":"alpha"}`)
	assert.Equal(t, plain, StripRequestID(plain))
}

func TestParseAck(t *testing.T) {
	ok := true
	ack, err := ParseAck(json.RawMessage(`{"success":true,"data":{"n":1}}`))
	require.NoError(t, err)
	assert.Equal(t, &ok, ack.Success)
	assert.NoError(t, ack.Err())

	// Empty payload counts as success.
	ack, err = ParseAck(nil)
	require.NoError(t, err)
	assert.NoError(t, ack.Err())
}

func TestAck_Err(t *testing.T) {
	ack, err := ParseAck(json.RawMessage(`{"success":false,"error":{"code":"WRONG_PHASE","message":"not now"}}`))
	require.NoError(t, err)

	serr := &ServerError{}
	require.ErrorAs(t, ack.Err(), &serr)
	assert.Equal(t, "WRONG_PHASE", serr.Code)
	assert.Equal(t, "not now", serr.Message)
}

func TestAck_ErrFlatShape(t *testing.T) {
	ack, err := ParseAck(json.RawMessage(`{"success":false,"code":"ROOM_FULL","message":"room at capacity"}`))
	require.NoError(t, err)

	serr := &ServerError{}
	require.ErrorAs(t, ack.Err(), &serr)
	assert.Equal(t, "ROOM_FULL", serr.Code)
}

func TestAck_MissingSuccessIsSuccess(t *testing.T) {
	ack, err := ParseAck(json.RawMessage(`{"room_id":"alpha"}`))
	require.NoError(t, err)
	assert.NoError(t, ack.Err())
}
