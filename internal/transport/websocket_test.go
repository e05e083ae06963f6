package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestEndpoint(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:3000", "ws://localhost:3000/ws/user-1"},
		{"https://chat.example.com", "wss://chat.example.com/ws/user-1"},
		{"https://chat.example.com/app?id=9#x", "wss://chat.example.com/ws/user-1"},
		{"wss://chat.example.com", "wss://chat.example.com/ws/user-1"},
		{"ws://10.0.0.1:8080/", "ws://10.0.0.1:8080/ws/user-1"},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := Endpoint(tt.base, "user-1")
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEndpointErrors(t *testing.T) {
	_, err := Endpoint("http://localhost", "")
	require.Error(t, err)

	_, err = Endpoint("ftp://localhost", "user-1")
	require.Error(t, err)

	_, err = Endpoint("localhost", "user-1")
	require.Error(t, err)
}

func TestNewClientInstanceID(t *testing.T) {
	a := NewClientInstanceID()
	b := NewClientInstanceID()
	require.True(t, strings.HasPrefix(a, "user-"))
	require.NotEqual(t, a, b)
}

func TestWebSocketDialerRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/user-1" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(mt, data)
	}))
	defer srv.Close()

	endpoint, err := Endpoint(srv.URL, "user-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := NewWebSocketDialer(time.Second, nil).Dial(ctx, endpoint)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, `{"type":"ping"}`, string(data))
}

func TestWebSocketDialerFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	endpoint, err := Endpoint(srv.URL, "user-1")
	require.NoError(t, err)

	_, err = NewWebSocketDialer(time.Second, nil).Dial(context.Background(), endpoint)
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 404")
}
