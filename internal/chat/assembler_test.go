package chat

import (
	"testing"
	"time"

	"ChatSync/internal/protocol"
	"ChatSync/internal/session"

	"github.com/stretchr/testify/require"
)

type hookCounts struct {
	typing    int
	messages  int
	completes []protocol.ChatComplete
}

func newTestAssembler() (*Assembler, *session.Store, *hookCounts) {
	store := session.NewStore()
	counts := &hookCounts{}
	a := NewAssembler(store, nil, AssemblerHooks{
		Typing:   func() { counts.typing++ },
		Messages: func() { counts.messages++ },
		Complete: func(c protocol.ChatComplete) { counts.completes = append(counts.completes, c) },
	})
	return a, store, counts
}

func TestAssemblerStreamsReply(t *testing.T) {
	a, store, counts := newTestAssembler()
	store.Append(session.RoleUser, "hi", time.Now())
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	a.Apply(protocol.TypingStarted{})
	require.Equal(t, PhaseAwaitingFirstChunk, a.Phase())
	require.True(t, a.Typing())
	require.Equal(t, 1, store.Len())
	require.Equal(t, 1, counts.typing)

	a.Apply(protocol.ChatChunk{Content: "Hel", Timestamp: ts})
	require.Equal(t, PhaseStreaming, a.Phase())
	require.False(t, a.Typing())
	require.True(t, store.InProgress())

	a.Apply(protocol.ChatChunk{Content: "lo"})
	a.Apply(protocol.ChatChunk{Content: ""})
	a.Apply(protocol.Heartbeat{})
	a.Apply(protocol.ChatChunk{Content: "!"})

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, session.Message{Role: session.RoleAssistant, Content: "Hello!", Timestamp: ts}, msgs[1])
	require.Equal(t, 3, counts.messages)

	a.Apply(protocol.ChatComplete{ProcessingTime: 120 * time.Millisecond})
	require.Equal(t, PhaseIdle, a.Phase())
	require.False(t, store.InProgress())
	require.Equal(t, []protocol.ChatComplete{{ProcessingTime: 120 * time.Millisecond}}, counts.completes)
}

func TestAssemblerDropsChunkAfterComplete(t *testing.T) {
	a, store, counts := newTestAssembler()

	a.Apply(protocol.TypingStarted{})
	a.Apply(protocol.ChatChunk{Content: "done"})
	a.Apply(protocol.ChatComplete{})
	a.Apply(protocol.ChatChunk{Content: " late"})

	msgs := store.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "done", msgs[0].Content)
	require.Equal(t, 1, counts.messages)
}

func TestAssemblerDropsChunkWithoutReply(t *testing.T) {
	a, store, _ := newTestAssembler()
	store.Append(session.RoleUser, "question", time.Now())

	a.Apply(protocol.ChatChunk{Content: "orphan"})

	msgs := store.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "question", msgs[0].Content)
	require.Equal(t, PhaseIdle, a.Phase())
}

func TestAssemblerFirstChunkTimestampFallback(t *testing.T) {
	a, store, _ := newTestAssembler()
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	a.now = func() time.Time { return now }

	a.Apply(protocol.TypingStarted{})
	a.Apply(protocol.ChatChunk{})

	msgs := store.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "", msgs[0].Content)
	require.Equal(t, now, msgs[0].Timestamp)
	require.True(t, store.InProgress())
}

func TestAssemblerExpectReplyOnlyFromIdle(t *testing.T) {
	a, store, counts := newTestAssembler()

	require.True(t, a.ExpectReply())
	require.Equal(t, PhaseAwaitingFirstChunk, a.Phase())
	require.False(t, a.ExpectReply())

	a.Apply(protocol.ChatChunk{Content: "a"})
	require.False(t, a.ExpectReply())
	require.Equal(t, PhaseStreaming, a.Phase())

	a.Apply(protocol.ChatChunk{Content: "b"})
	msgs := store.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "ab", msgs[0].Content)
	require.Equal(t, 1, counts.typing)
}

func TestAssemblerCompleteWhileIdle(t *testing.T) {
	a, store, counts := newTestAssembler()

	a.Apply(protocol.ChatComplete{})
	require.Equal(t, PhaseIdle, a.Phase())
	require.Len(t, counts.completes, 1)
	require.Zero(t, store.Len())
}

func TestAssemblerTypingDuringStreamStartsNewReply(t *testing.T) {
	a, store, _ := newTestAssembler()

	a.Apply(protocol.TypingStarted{})
	a.Apply(protocol.ChatChunk{Content: "first"})
	a.Apply(protocol.TypingStarted{})
	a.Apply(protocol.ChatChunk{Content: "second"})

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, "second", msgs[1].Content)
}

func TestPhaseString(t *testing.T) {
	require.Equal(t, "idle", PhaseIdle.String())
	require.Equal(t, "awaiting_first_chunk", PhaseAwaitingFirstChunk.String())
	require.Equal(t, "streaming", PhaseStreaming.String())
}
