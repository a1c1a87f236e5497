package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func TestWebsocketDialerEndpoint(t *testing.T) {
	d := &WebsocketDialer{BaseURL: "https://push.example.com/api/", Token: func() string { return "a b" }}
	endpoint, err := d.Endpoint("vendor")
	require.NoError(t, err)
	require.Equal(t, "wss://push.example.com/api/ws/vendor/?token=a+b", endpoint)

	anon := &WebsocketDialer{BaseURL: "ws://localhost:8000"}
	endpoint, err = anon.Endpoint("courier")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8000/ws/courier/", endpoint)

	_, err = (&WebsocketDialer{BaseURL: "ftp://localhost"}).Endpoint("vendor")
	require.Error(t, err)
}

func TestManagerOverRealWebsocket(t *testing.T) {
	type request struct {
		path  string
		token string
	}
	requests := make(chan request, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- request{path: r.URL.Path, token: r.URL.Query().Get("token")}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageBinary, []byte("ignored"))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"order_status_update","status":"placed"}`))
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	dialer := &WebsocketDialer{BaseURL: srv.URL, Token: func() string { return "secret" }}
	m := NewManager(dialer, Options{ReconnectDelay: time.Hour, PingInterval: 10 * time.Millisecond})
	defer m.Close()

	rec := &recorder{}
	m.On(OnMessage, rec.handle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx, "vendor"))

	got := <-requests
	require.Equal(t, "/ws/vendor/", got.path)
	require.Equal(t, "secret", got.token)

	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{`vendor:{"type":"order_status_update","status":"placed"}`}, rec.messages())

	time.Sleep(50 * time.Millisecond)
	require.True(t, m.IsConnected("vendor"), "keepalive pings succeed")

	m.Disconnect("vendor")
	require.False(t, m.IsConnected("vendor"))
}
