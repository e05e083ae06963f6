package main

import (
	"bytes"
	"strings"
	"testing"

	"ChatSync/internal/chat"
	"ChatSync/internal/session"

	"github.com/stretchr/testify/require"
)

func update(id string, streaming bool, msgs ...session.Message) chat.Update {
	return chat.Update{
		Kind:      chat.UpdateMessages,
		Session:   session.Session{ID: id, Messages: msgs},
		Streaming: streaming,
	}
}

func msg(role session.Role, content string) session.Message {
	return session.Message{Role: role, Content: content}
}

func TestRendererStreamsReplyIncrementally(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out)

	user := msg(session.RoleUser, "hi")
	r.Observe(update("1", false, user))
	r.Observe(update("1", true, user, msg(session.RoleAssistant, "Hel")))
	r.Observe(update("1", true, user, msg(session.RoleAssistant, "Hello")))
	r.Observe(update("1", false, user, msg(session.RoleAssistant, "Hello")))

	text := out.String()
	require.Equal(t, 1, strings.Count(text, "you:"))
	require.Equal(t, 1, strings.Count(text, "assistant:"))
	require.Contains(t, text, "Hello\n")
	require.Equal(t, 1, strings.Count(text, "Hel"))
	require.Equal(t, 2, r.printed)
}

func TestRendererResetsOnSessionSwitch(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out)

	r.Observe(update("1", false, msg(session.RoleUser, "first")))
	r.Observe(chat.Update{Kind: chat.UpdateSession, Session: session.Session{ID: "2"}, History: chat.HistoryLoading})
	require.Zero(t, r.printed)

	r.Observe(update("2", false, msg(session.RoleUser, "old"), msg(session.RoleAssistant, "reply")))
	require.Equal(t, 2, r.printed)
	require.Contains(t, out.String(), "session 2")
	require.Contains(t, out.String(), "reply")
}

func TestRendererAnnouncesCreatedSession(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out)

	r.Observe(update(session.UnsetID, false))
	r.Observe(update(session.UnsetID, false, msg(session.RoleUser, "hi")))
	r.Observe(update("7", false, msg(session.RoleUser, "hi")))

	text := out.String()
	require.Contains(t, text, "new session")
	require.Contains(t, text, "session 7 created")
	require.Equal(t, 1, strings.Count(text, "you:"))
}

func TestRendererTypingIndicatorOnce(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out)

	u := update("1", false, msg(session.RoleUser, "hi"))
	u.Typing = true
	r.Observe(u)
	r.Observe(u)

	require.Equal(t, 1, strings.Count(out.String(), "(typing...)"))
}

func TestRendererShowsLoadErrorOnce(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out)

	u := chat.Update{
		Kind:      chat.UpdateHistory,
		Session:   session.Session{ID: "3"},
		History:   chat.HistoryFailed,
		LoadError: chat.LoadErrorMessage,
	}
	r.Observe(u)
	r.Observe(u)

	require.Equal(t, 1, strings.Count(out.String(), chat.LoadErrorMessage))
}

func TestRendererNoticeBreaksStreamingLine(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out)

	user := msg(session.RoleUser, "hi")
	r.Observe(update("1", true, user, msg(session.RoleAssistant, "par")))
	r.Notice("oops")
	r.Observe(update("1", false, user, msg(session.RoleAssistant, "partial")))

	text := out.String()
	require.Contains(t, text, "oops")
	require.Equal(t, 2, strings.Count(text, "assistant:"))
	require.Contains(t, text, "tial\n")
}

func TestRendererReprintsWhenHistoryLandsLate(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out)

	r.Observe(chat.Update{Kind: chat.UpdateHistory, Session: session.Session{ID: "42"}, History: chat.HistoryLoading})
	local := msg(session.RoleUser, "hi")
	sending := update("42", false, local)
	sending.History = chat.HistoryLoading
	r.Observe(sending)

	loaded := update("42", false, msg(session.RoleUser, "earlier"), local)
	loaded.History = chat.HistoryLoaded
	r.Observe(loaded)

	text := out.String()
	require.Contains(t, text, "history loaded")
	require.Less(t, strings.LastIndex(text, "earlier"), strings.LastIndex(text, "hi"))
	require.Equal(t, 2, r.printed)
}
