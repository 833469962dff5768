// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	gwerrors "github.com/thanaParis/everest-demo/pkg/errors"
	"github.com/thanaParis/everest-demo/pkg/handler"
)

type recordingHandler struct {
	mu         sync.Mutex
	events     []string
	errs       []error
	messageErr error
}

func (h *recordingHandler) record(ev string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) OnOpen(ctx context.Context, hctx *handler.Context) error {
	h.record("open")
	return nil
}

func (h *recordingHandler) OnMessage(ctx context.Context, hctx *handler.Context, msg handler.Message) error {
	h.record(fmt.Sprintf("%s:%x", msg.Type, msg.Payload))
	return h.messageErr
}

func (h *recordingHandler) OnError(ctx context.Context, hctx *handler.Context, err error) error {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
	h.record("error:" + gwerrors.Kind(err))
	return nil
}

func (h *recordingHandler) OnClose(ctx context.Context, hctx *handler.Context) error {
	h.record("close")
	return nil
}

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// serve starts an HTTP server that upgrades every request and attaches it
// to m. Attached connections are sent on the returned channel.
func serve(t *testing.T, m *Manager) (string, <-chan *Conn) {
	t.Helper()

	conns := make(chan *Conn, 8)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c, err := m.Attach(ws, &handler.Context{
			SessionID:   uuid.NewString(),
			RemoteAddr:  r.RemoteAddr,
			Path:        r.URL.Path,
			ConnectedAt: time.Now(),
		})
		if err == nil {
			conns <- c
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ocpp/CP001", conns
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitClosed(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not close")
	}
}

func TestManager_MessagesInOrder(t *testing.T) {
	h := &recordingHandler{}
	m := New(Config{Logger: testLogger()}, h)
	url, conns := serve(t, m)

	client := dial(t, url)
	c := <-conns
	require.Equal(t, StateOpen, c.State())
	require.Equal(t, 1, m.Len())

	got, ok := m.Get(c.ID())
	require.True(t, ok)
	require.Same(t, c, got)
	require.Equal(t, "/ocpp/CP001", c.Context().Path)

	binary := []byte{0x00, 0x01, 0xfe, 0xff}
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, binary))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`[2,"1","Heartbeat",{}]`)))
	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	waitClosed(t, c)

	require.Equal(t, []string{
		"open",
		fmt.Sprintf("text:%x", "ping"),
		fmt.Sprintf("binary:%x", binary),
		fmt.Sprintf("text:%x", `[2,"1","Heartbeat",{}]`),
		"close",
	}, h.snapshot())
	require.Equal(t, StateClosed, c.State())
	require.Equal(t, 0, m.Len())

	_, ok = m.Get(c.ID())
	require.False(t, ok)
}

func TestManager_AbruptDisconnect(t *testing.T) {
	h := &recordingHandler{}
	m := New(Config{Logger: testLogger()}, h)
	url, conns := serve(t, m)

	client := dial(t, url)
	c := <-conns

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("ping")))
	client.NetConn().Close()

	waitClosed(t, c)

	require.Equal(t, []string{
		"open",
		fmt.Sprintf("text:%x", "ping"),
		"error:socket_failure",
		"close",
	}, h.snapshot())

	h.mu.Lock()
	defer h.mu.Unlock()
	require.True(t, errors.Is(h.errs[0], gwerrors.ErrSocketFailure))
}

func TestManager_ProtocolError(t *testing.T) {
	h := &recordingHandler{}
	m := New(Config{Logger: testLogger()}, h)
	url, conns := serve(t, m)

	client := dial(t, url)
	c := <-conns

	// Masked text frame with RSV1 set and no extension negotiated.
	_, err := client.NetConn().Write([]byte{0xc1, 0x80, 0x01, 0x02, 0x03, 0x04})
	require.NoError(t, err)

	waitClosed(t, c)

	require.Equal(t, []string{"open", "error:protocol_error", "close"}, h.snapshot())
	h.mu.Lock()
	defer h.mu.Unlock()
	require.ErrorIs(t, h.errs[0], gwerrors.ErrProtocolError)
}

func TestConn_Close(t *testing.T) {
	t.Run("peer answers close frame", func(t *testing.T) {
		h := &recordingHandler{}
		m := New(Config{Logger: testLogger()}, h)
		url, conns := serve(t, m)

		client := dial(t, url)
		c := <-conns

		clientErr := make(chan error, 1)
		go func() {
			for {
				if _, _, err := client.ReadMessage(); err != nil {
					clientErr <- err
					return
				}
			}
		}()

		require.NoError(t, c.Close(websocket.CloseNormalClosure, "bye"))
		require.NotEqual(t, StateOpen, c.State())
		require.ErrorIs(t, c.Close(websocket.CloseNormalClosure, "again"), ErrNotOpen)

		waitClosed(t, c)

		err := <-clientErr
		require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected client error: %v", err)
		require.Equal(t, []string{"open", "close"}, h.snapshot())
	})

	t.Run("silent peer is cut after grace period", func(t *testing.T) {
		h := &recordingHandler{}
		m := New(Config{Logger: testLogger(), CloseGracePeriod: 50 * time.Millisecond}, h)
		url, conns := serve(t, m)

		dial(t, url)
		c := <-conns

		start := time.Now()
		require.NoError(t, c.Close(websocket.CloseNormalClosure, "bye"))
		waitClosed(t, c)

		require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		require.Equal(t, []string{"open", "close"}, h.snapshot())
	})
}

func TestManager_NothingAfterClose(t *testing.T) {
	h := &recordingHandler{}
	m := New(Config{Logger: testLogger()}, h)
	url, conns := serve(t, m)

	client := dial(t, url)
	c := <-conns

	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	waitClosed(t, c)

	// Writes after the close handshake never reach the handler.
	client.WriteMessage(websocket.TextMessage, []byte("late"))
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, []string{"open", "close"}, h.snapshot())
}

func TestManager_HandlerErrorsDoNotCloseConnection(t *testing.T) {
	h := &recordingHandler{messageErr: errors.New("routing failed")}
	m := New(Config{Logger: testLogger()}, h)
	url, conns := serve(t, m)

	client := dial(t, url)
	c := <-conns

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("a")))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("b")))

	require.Eventually(t, func() bool { return len(h.snapshot()) == 3 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, StateOpen, c.State())
}

func TestManager_Shutdown(t *testing.T) {
	t.Run("closes every connection with going away", func(t *testing.T) {
		h := &recordingHandler{}
		m := New(Config{Logger: testLogger()}, h)
		url, conns := serve(t, m)

		clientErrs := make(chan error, 2)
		for range 2 {
			client := dial(t, url)
			<-conns
			go func() {
				for {
					if _, _, err := client.ReadMessage(); err != nil {
						clientErrs <- err
						return
					}
				}
			}()
		}
		require.Equal(t, 2, m.Len())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(ctx))
		require.Equal(t, 0, m.Len())

		for range 2 {
			err := <-clientErrs
			require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected client error: %v", err)
		}
	})

	t.Run("forces sockets closed on timeout", func(t *testing.T) {
		m := New(Config{Logger: testLogger(), CloseGracePeriod: time.Minute}, nil)
		url, conns := serve(t, m)

		dial(t, url)
		c := <-conns

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, m.Shutdown(ctx), context.DeadlineExceeded)

		waitClosed(t, c)
		require.Equal(t, 0, m.Len())
	})

	t.Run("rejects new connections", func(t *testing.T) {
		m := New(Config{Logger: testLogger()}, nil)
		require.NoError(t, m.Shutdown(context.Background()))

		url, conns := serve(t, m)
		client := dial(t, url)

		_, _, err := client.ReadMessage()
		require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected client error: %v", err)
		require.Empty(t, conns)
	})
}

func TestState_String(t *testing.T) {
	require.Equal(t, "open", StateOpen.String())
	require.Equal(t, "closing", StateClosing.String())
	require.Equal(t, "closed", StateClosed.String())
	require.Equal(t, "unknown", State(42).String())
}
