package platform

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageCodec_PartialFrame(t *testing.T) {
	codec := NewMessageCodec(quietLogger())
	var buf bytes.Buffer

	buf.WriteString(`[1,"1",{},{}]` + "\n" + `[1,"2",{`)
	msgs, err := codec.Parse(&buf)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "1", msgs[0].(*Event).ID)
	assert.Equal(t, `[1,"2",{`, buf.String())

	buf.WriteString("},{}]\n")
	msgs, err = codec.Parse(&buf)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "2", msgs[0].(*Event).ID)
	assert.Zero(t, buf.Len())
}

func TestMessageCodec_MalformedLineSkipped(t *testing.T) {
	codec := NewMessageCodec(quietLogger())
	msgs := codec.ParseBytes([]byte(`[1,"1",7,{}]` + "\n" + `[1,"2",{},{}]` + "\n"))

	require.Len(t, msgs, 1)
	assert.Equal(t, "2", msgs[0].(*Event).ID)
}

func TestMessageCodec_Frames(t *testing.T) {
	codec := NewMessageCodec(quietLogger())

	tests := []struct {
		name  string
		input string
		want  []Message
	}{
		{
			name:  "keep-alive",
			input: `[0,"xxxx"]` + "\n",
			want:  []Message{&KeepAlive{}},
		},
		{
			name:  "event",
			input: `[1,"7",{"k":"v"},{"n":1}]` + "\n",
			want: []Message{&Event{
				ID:      "7",
				Headers: map[string]string{"k": "v"},
				Body:    []byte(`{"n":1}`),
			}},
		},
		{
			name:  "end of stream",
			input: `[255,500,{"retry-after":"5"},{"reason":"restart"}]` + "\n",
			want: []Message{&EndOfStream{
				StatusCode: 500,
				Headers:    map[string]string{"retry-after": "5"},
				Info:       []byte(`{"reason":"restart"}`),
			}},
		},
		{
			name:  "blank and whitespace lines",
			input: "\n  \n" + `[0,""]` + "\r\n\n",
			want:  []Message{&KeepAlive{}},
		},
		{
			name:  "wrong arity",
			input: `[1,"1",{}]` + "\n" + `[0]` + "\n" + `[255,200,{},null,1]` + "\n",
			want:  nil,
		},
		{
			name:  "not an array",
			input: `{"type":1}` + "\n" + `garbage` + "\n" + `[]` + "\n",
			want:  nil,
		},
		{
			name:  "null fields",
			input: "[1,null,{},{}]\n[1,\"1\",null,{}]\n[1,null,null,{}]\n[255,null,{},{}]\n[255,200,null,{}]\n[null,\"\"]\n",
			want:  nil,
		},
		{
			name:  "null body and info allowed",
			input: `[1,"1",{},null]` + "\n" + `[255,200,{},null]` + "\n",
			want: []Message{
				&Event{ID: "1", Headers: map[string]string{}, Body: []byte("null")},
				&EndOfStream{StatusCode: 200, Headers: map[string]string{}, Info: []byte("null")},
			},
		},
		{
			name:  "unknown type dropped",
			input: `[9,"x"]` + "\n" + `[0,""]` + "\n",
			want:  []Message{&KeepAlive{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := codec.ParseBytes([]byte(tt.input))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMessageCodec_NoDelimiter(t *testing.T) {
	codec := NewMessageCodec(quietLogger())
	buf := bytes.NewBufferString(`[0,""]`)

	msgs, err := codec.Parse(buf)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, `[0,""]`, buf.String())
}

func TestMessageCodec_Strict(t *testing.T) {
	codec := NewMessageCodec(quietLogger())
	codec.Strict = true

	buf := bytes.NewBufferString(`[0,""]` + "\n" + `[42,"x"]` + "\n" + `[1,"1",{},{}]` + "\n")
	msgs, err := codec.Parse(buf)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownMessageType))
	assert.Len(t, msgs, 2, "decodable lines around the unknown type are kept")
	assert.Zero(t, buf.Len())

	// Malformed lines are still dropped silently.
	msgs, err = codec.Parse(bytes.NewBufferString(`[1,"1",7,{}]` + "\n"))
	assert.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMessageCodec_SplitAnywhere(t *testing.T) {
	stream := `[0,"a"]` + "\n" +
		`[1,"1",{"h":"1"},{"text":"héllo\nworld"}]` + "\n" +
		`[1,"2",{},[1,2,3]]` + "\n" +
		`[bad line` + "\n" +
		`[255,200,{},null]` + "\n"

	codec := NewMessageCodec(quietLogger())
	want := codec.ParseBytes([]byte(stream))
	require.Len(t, want, 4)

	for split := 0; split <= len(stream); split++ {
		var buf bytes.Buffer
		var got []Message

		buf.WriteString(stream[:split])
		msgs, err := codec.Parse(&buf)
		require.NoError(t, err)
		got = append(got, msgs...)

		buf.WriteString(stream[split:])
		msgs, err = codec.Parse(&buf)
		require.NoError(t, err)
		got = append(got, msgs...)

		require.Equal(t, want, got, "split at %d", split)
	}

	// One byte per chunk.
	var buf bytes.Buffer
	var got []Message
	for i := 0; i < len(stream); i++ {
		buf.WriteByte(stream[i])
		msgs, _ := codec.Parse(&buf)
		got = append(got, msgs...)
	}
	assert.Equal(t, want, got)
}

func TestEvent_Decode(t *testing.T) {
	ev := &Event{ID: "1", Body: []byte(`{"text":"hi"}`)}
	var body struct {
		Text string `json:"text"`
	}
	require.NoError(t, ev.Decode(&body))
	assert.Equal(t, "hi", body.Text)
}
