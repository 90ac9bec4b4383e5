package stream

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decoded struct {
	Channel int
	Payload string
}

func collect(frames []Frame) []decoded {
	out := make([]decoded, 0, len(frames))
	for _, f := range frames {
		out = append(out, decoded{Channel: f.Channel, Payload: string(f.Payload)})
	}
	return out
}

func decodeChunks(chunks ...[]byte) []decoded {
	var d Decoder
	var frames []Frame
	for _, c := range chunks {
		frames = append(frames, d.Write(c)...)
	}
	frames = append(frames, d.Flush()...)
	return collect(frames)
}

const sampleStream = "0:\"Hello\"\n" +
	"1:{\"reasoning\":\"думаю…\"}\n" +
	"garbage-no-colon\n" +
	"0:{not valid json\n" +
	"\n" +
	"2:{\"text\":\"aux\"}\r\n" +
	"0:\" wörld 🌍\"\n" +
	"0:\"tail without newline\""

func TestDecoderSplitInvariance(t *testing.T) {
	input := []byte(sampleStream)
	want := decodeChunks(input)
	require.Len(t, want, 5)

	for i := 0; i <= len(input); i++ {
		got := decodeChunks(input[:i], input[i:])
		assert.Equal(t, want, got, "split at byte %d", i)
	}

	var bytewise [][]byte
	for i := range input {
		bytewise = append(bytewise, input[i:i+1])
	}
	assert.Equal(t, want, decodeChunks(bytewise...))
}

func TestDecoderDiscardsMalformedLines(t *testing.T) {
	var d Decoder
	frames := d.Write([]byte("0:\"a\"\ngarbage-no-colon\n0:{not valid json\n:\"x\"\na1:\"x\"\n0:\n7\n0:\"b\"\n"))

	got := make([]string, 0, len(frames))
	for _, f := range frames {
		got = append(got, f.Text())
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 6, d.Dropped)
}

func TestDecoderKeepsPartialRecord(t *testing.T) {
	var d Decoder
	assert.Empty(t, d.Write([]byte("0:\"Hel")))

	frames := d.Write([]byte("lo\"\n1:\"x"))
	require.Len(t, frames, 1)
	assert.Equal(t, "Hello", frames[0].Text())

	frames = d.Flush()
	require.Len(t, frames, 1)
	assert.Equal(t, 1, frames[0].Channel)
	assert.Equal(t, "x", frames[0].Text())
	assert.Empty(t, d.Flush())
}

func TestFrameText(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{name: "string", payload: `"hi"`, want: "hi"},
		{name: "escaped string", payload: `"line\nbreak \"q\""`, want: "line\nbreak \"q\""},
		{name: "content field", payload: `{"content":"c","text":"t"}`, want: "c"},
		{name: "text field", payload: `{"text":"t","reasoning":"r"}`, want: "t"},
		{name: "reasoning field", payload: `{"reasoning":"r"}`, want: "r"},
		{name: "empty content falls through", payload: `{"content":"","text":"t"}`, want: "t"},
		{name: "non string field", payload: `{"content":42}`, want: ""},
		{name: "no known field", payload: `{"other":"x"}`, want: ""},
		{name: "number", payload: `12`, want: ""},
		{name: "null", payload: `null`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Frame{Payload: []byte(tt.payload)}.Text())
		})
	}
}

func TestReadOneByteReader(t *testing.T) {
	r := iotest.OneByteReader(strings.NewReader(sampleStream))

	var texts []string
	for f, err := range Read(context.Background(), r) {
		require.NoError(t, err)
		texts = append(texts, f.Text())
	}
	assert.Equal(t, []string{"Hello", "думаю…", "aux", " wörld 🌍", "tail without newline"}, texts)
}

func TestReadTransportError(t *testing.T) {
	boom := errors.New("connection reset")
	rd := &failingReader{data: []byte("0:\"a\"\n0:\"b"), err: boom}

	var texts []string
	var gotErr error
	for f, err := range Read(context.Background(), rd) {
		if err != nil {
			gotErr = err
			continue
		}
		texts = append(texts, f.Text())
	}
	assert.Equal(t, []string{"a"}, texts)
	assert.ErrorIs(t, gotErr, boom)
}

func TestReadStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := 0
	for range Read(ctx, strings.NewReader("0:\"a\"\n")) {
		n++
	}
	assert.Zero(t, n)
}

func TestEncoderOutputDecodes(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(ChannelReasoning, "step one. "))
	require.NoError(t, enc.Encode(ChannelAnswer, "Answer \"quoted\"\nnext"))

	assert.True(t, strings.HasPrefix(buf.String(), "1:\"step one. \"\n"))

	var d Decoder
	frames := d.Write(buf.Bytes())
	require.Len(t, frames, 2)
	assert.Equal(t, ChannelReasoning, frames[0].Channel)
	assert.Equal(t, "Answer \"quoted\"\nnext", frames[1].Text())
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}
