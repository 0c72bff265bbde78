package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeVocabulary(t *testing.T) {
	cases := []Message{
		Call("alice", "abcd", "v=0 offer"),
		Ping(),
		Pong(),
		Ringing(),
		Connected("v=0 answer"),
		Dismissed(),
		StatusChange(StatusOffline),
	}
	for _, want := range cases {
		got, err := Decode(want.Encode())
		require.NoError(t, err, "action %s", want.Action)
		assert.Equal(t, want, got)
	}
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	assert.JSONEq(t, `{"action":"ping"}`, Ping().Encode())
	assert.JSONEq(t, `{"action":"status_change","status":"offline"}`, StatusChange(StatusOffline).Encode())
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode("not json")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(`{"action":"call","username":"x"}`)
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Decode(`{"action":"connected"}`)
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Decode(`{"offer":"x"}`)
	assert.ErrorIs(t, err, ErrMissingField)

	m, err := Decode(`{"action":"chat","text":"hi"}`)
	assert.ErrorIs(t, err, ErrUnknownAction)
	assert.Equal(t, Action("chat"), m.Action)
}
