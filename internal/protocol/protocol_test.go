package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		frame string
		want  Event
	}{
		{
			name:  "chunk",
			frame: `{"type":"chat_message","content":{"content":"Hel","timestamp":"2024-05-01T12:30:00Z"}}`,
			want:  ChatChunk{Content: "Hel", Timestamp: ts},
		},
		{
			name:  "chunk with bad timestamp keeps content",
			frame: `{"type":"chat_message","content":{"content":"lo","timestamp":"yesterday"}}`,
			want:  ChatChunk{Content: "lo"},
		},
		{
			name:  "complete",
			frame: `{"type":"chat_message","metadata":{"complete":true,"processingTime":1250}}`,
			want:  ChatComplete{ProcessingTime: 1250 * time.Millisecond},
		},
		{
			name:  "complete with null content",
			frame: `{"type":"chat_message","content":null,"metadata":{"complete":true}}`,
			want:  ChatComplete{},
		},
		{
			name:  "typing",
			frame: `{"type":"typing"}`,
			want:  TypingStarted{},
		},
		{
			name:  "pong",
			frame: `{"type":"pong"}`,
			want:  Heartbeat{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{"not json", `{"type":`, ErrMalformedFrame},
		{"missing type", `{"content":{}}`, ErrMalformedFrame},
		{"chat without payload", `{"type":"chat_message"}`, ErrMalformedFrame},
		{"chat not complete", `{"type":"chat_message","metadata":{"complete":false}}`, ErrMalformedFrame},
		{"content wrong shape", `{"type":"chat_message","content":"text"}`, ErrMalformedFrame},
		{"unknown type", `{"type":"presence"}`, ErrUnknownFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.frame))
			require.ErrorIs(t, err, tt.want)
			require.Nil(t, ev)
		})
	}
}

func TestNewChatMessageWireShape(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	frame, err := NewChatMessage("17", "hello", ts)
	require.NoError(t, err)

	data, err := Encode(frame)
	require.NoError(t, err)
	require.JSONEq(t,
		`{"type":"chat_message","content":{"chatId":"17","content":"hello","role":"user","timestamp":"2024-05-01T12:00:00Z"}}`,
		string(data))
}

func TestNewPingWireShape(t *testing.T) {
	data, err := Encode(NewPing())
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"ping"}`, string(data))
}

func TestServerFramesDecodeOnClient(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	chunk, err := NewChunk("part", ts)
	require.NoError(t, err)

	for _, tc := range []struct {
		frame Frame
		want  Event
	}{
		{chunk, ChatChunk{Content: "part", Timestamp: ts}},
		{NewComplete(2 * time.Second), ChatComplete{ProcessingTime: 2 * time.Second}},
		{NewTyping(), TypingStarted{}},
		{NewPong(), Heartbeat{}},
	} {
		data, err := Encode(tc.frame)
		require.NoError(t, err)
		got, err := Decode(data)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestDecodeClientChat(t *testing.T) {
	frame, err := NewChatMessage("3", "hi", time.Now())
	require.NoError(t, err)
	data, err := json.Marshal(frame)
	require.NoError(t, err)

	typ, chat, err := DecodeClientChat(data)
	require.NoError(t, err)
	require.Equal(t, TypeChatMessage, typ)
	require.Equal(t, "3", chat.ChatID)
	require.Equal(t, "hi", chat.Content)

	typ, chat, err = DecodeClientChat([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	require.Equal(t, TypePing, typ)
	require.Nil(t, chat)

	_, _, err = DecodeClientChat([]byte(`{"type":"chat_message"}`))
	require.ErrorIs(t, err, ErrMalformedFrame)
}
