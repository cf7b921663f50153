package ipc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(f *Framer, chunks ...string) ([]Message, []error) {
	var msgs []Message
	var errs []error
	for _, c := range chunks {
		f.Feed([]byte(c), func(m Message, err error) {
			if err != nil {
				errs = append(errs, err)
				return
			}
			msgs = append(msgs, m)
		})
	}
	return msgs, errs
}

func TestFramerIsolatesMalformedFrame(t *testing.T) {
	msgs, errs := feed(&Framer{}, "{\"a\":1}\n{bad\n{\"b\":2}\n")

	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"a":1}`, string(msgs[0].Raw))
	assert.JSONEq(t, `{"b":2}`, string(msgs[1].Raw))

	require.Len(t, errs, 1)
	var frameErr *FrameError
	require.True(t, errors.As(errs[0], &frameErr))
	assert.Equal(t, "{bad", string(frameErr.Line))
}

func TestFramerByteAtATime(t *testing.T) {
	stream := "{\"a\":1}\n{bad\n{\"b\":2}\n"
	var chunks []string
	for i := 0; i < len(stream); i++ {
		chunks = append(chunks, stream[i:i+1])
	}
	msgs, errs := feed(&Framer{}, chunks...)
	assert.Len(t, msgs, 2)
	assert.Len(t, errs, 1)
}

func TestFramerBuffersPartialFrame(t *testing.T) {
	f := &Framer{}
	msgs, errs := feed(f, `{"request_id":`)
	assert.Empty(t, msgs)
	assert.Empty(t, errs)
	assert.Equal(t, 14, f.Buffered())

	msgs, errs = feed(f, "3}\n{\"event\":\"idle\"}")
	require.Len(t, msgs, 1)
	assert.Empty(t, errs)
	require.NotNil(t, msgs[0].RequestID)
	assert.EqualValues(t, 3, *msgs[0].RequestID)
	assert.Equal(t, 16, f.Buffered())
}

func TestFramerSkipsEmptyLines(t *testing.T) {
	msgs, errs := feed(&Framer{}, "\n\n  \n{\"a\":1}\n\n")
	assert.Len(t, msgs, 1)
	assert.Empty(t, errs)
}

func TestFramerDiscardsOversizedFrame(t *testing.T) {
	f := &Framer{maxSize: 8}
	msgs, errs := feed(f, "0123", "456789", "abc\n{\"a\":1}\n")

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrFrameTooLarge)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"a":1}`, string(msgs[0].Raw))
}

func TestDecodeMessage(t *testing.T) {
	cases := []struct {
		name      string
		line      string
		requestID *uint64
		event     string
	}{
		{name: "reply", line: `{"data":null,"error":"success","request_id":12}`, requestID: ptr(12)},
		{name: "event", line: `{"event":"pause"}`, event: "pause"},
		{name: "null id", line: `{"request_id":null}`},
		{name: "negative id", line: `{"request_id":-1}`},
		{name: "string id", line: `{"request_id":"7"}`},
		{name: "not an object", line: `[1,2,3]`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			msg, err := DecodeMessage([]byte(c.line))
			require.NoError(t, err)
			assert.Equal(t, c.requestID, msg.RequestID)
			assert.Equal(t, c.event, msg.Event)
			assert.JSONEq(t, c.line, string(msg.Raw))
		})
	}

	_, err := DecodeMessage([]byte(`{"a":`))
	var frameErr *FrameError
	assert.True(t, errors.As(err, &frameErr))
}

func TestMessageMarshalsAsRawFrame(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"data":5,"request_id":1}`))
	require.NoError(t, err)

	b, err := json.Marshal(struct {
		Data Message `json:"data"`
	}{Data: msg})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"data":5,"request_id":1}}`, string(b))

	b, err = json.Marshal(Message{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))
}

func ptr(v uint64) *uint64 { return &v }
