// ABOUTME: Tests for the connection registry including registration and eviction.
// ABOUTME: Validates the one-connection-per-agent invariant and waiter cancellation.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/fleet-gateway/internal/monitor"
	"github.com/2389/fleet-gateway/internal/store"
)

// fakeTransport implements Transport for testing.
type fakeTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	closed    bool
	closeCode websocket.StatusCode
	sendErr   error
	onSend    func(data []byte)
}

func (t *fakeTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	t.sent = append(t.sent, data)
	onSend := t.onSend
	t.mu.Unlock()

	if onSend != nil {
		onSend(data)
	}
	return nil
}

func (t *fakeTransport) Close(code websocket.StatusCode, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closeCode = code
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) sentFrames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	frames := make([][]byte, len(t.sent))
	copy(frames, t.sent)
	return frames
}

func newTestRegistry(t *testing.T) (*Registry, *store.MockStore) {
	t.Helper()
	st := store.NewMockStore()
	return NewRegistry(st, nil, slog.Default()), st
}

func seedAgent(t *testing.T, st *store.MockStore, id string) {
	t.Helper()
	err := st.CreateAgent(context.Background(), &store.Agent{
		ID:           id,
		ServerID:     "srv-" + id,
		Status:       store.StatusPending,
		RegisteredAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seeding agent: %v", err)
	}
}

func TestRegister(t *testing.T) {
	t.Run("registers a new connection", func(t *testing.T) {
		r, st := newTestRegistry(t)
		seedAgent(t, st, "agent-1")

		conn := r.Register(context.Background(), "agent-1", "srv-1", &fakeTransport{})
		if conn == nil {
			t.Fatal("expected connection, got nil")
		}
		if !r.IsConnected("agent-1") {
			t.Error("agent should be connected after Register")
		}

		a, err := st.GetAgent(context.Background(), "agent-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.Status != store.StatusConnected {
			t.Errorf("expected status %s, got %s", store.StatusConnected, a.Status)
		}
	})

	t.Run("evicts existing connection for same agent", func(t *testing.T) {
		r, st := newTestRegistry(t)
		seedAgent(t, st, "agent-1")

		first := &fakeTransport{}
		old := r.Register(context.Background(), "agent-1", "srv-1", first)

		// A caller is blocked on the old connection.
		ch, err := old.addWaiter("req-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		second := &fakeTransport{}
		r.Register(context.Background(), "agent-1", "srv-1", second)

		if !first.isClosed() {
			t.Error("old transport should be closed after eviction")
		}
		if first.closeCode != websocket.StatusNormalClosure {
			t.Errorf("expected close code %d, got %d", websocket.StatusNormalClosure, first.closeCode)
		}

		select {
		case res := <-ch:
			if !errors.Is(res.err, ErrConnectionClosed) {
				t.Errorf("expected ErrConnectionClosed, got %v", res.err)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter on evicted connection was not cancelled")
		}

		// The new connection is live.
		if !r.IsConnected("agent-1") {
			t.Error("agent should still be connected via the new transport")
		}
		if second.isClosed() {
			t.Error("new transport must not be closed")
		}
	})

	t.Run("adding waiter after eviction fails", func(t *testing.T) {
		r, st := newTestRegistry(t)
		seedAgent(t, st, "agent-1")

		old := r.Register(context.Background(), "agent-1", "srv-1", &fakeTransport{})
		r.Register(context.Background(), "agent-1", "srv-1", &fakeTransport{})

		if _, err := old.addWaiter("req-late"); !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("expected ErrConnectionClosed, got %v", err)
		}
	})
}

func TestUnregister(t *testing.T) {
	t.Run("removes connection and persists disconnect", func(t *testing.T) {
		r, st := newTestRegistry(t)
		seedAgent(t, st, "agent-1")

		tr := &fakeTransport{}
		r.Register(context.Background(), "agent-1", "srv-1", tr)
		r.Unregister(context.Background(), "agent-1")

		if r.IsConnected("agent-1") {
			t.Error("agent should not be connected after Unregister")
		}
		if !tr.isClosed() {
			t.Error("transport should be closed after Unregister")
		}

		a, err := st.GetAgent(context.Background(), "agent-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.Status != store.StatusDisconnected {
			t.Errorf("expected status %s, got %s", store.StatusDisconnected, a.Status)
		}
	})

	t.Run("cancels pending requests", func(t *testing.T) {
		r, st := newTestRegistry(t)
		seedAgent(t, st, "agent-1")

		conn := r.Register(context.Background(), "agent-1", "srv-1", &fakeTransport{})
		ch, err := conn.addWaiter("req-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		r.Unregister(context.Background(), "agent-1")

		select {
		case res := <-ch:
			if !errors.Is(res.err, ErrConnectionClosed) {
				t.Errorf("expected ErrConnectionClosed, got %v", res.err)
			}
		case <-time.After(time.Second):
			t.Fatal("pending request was not cancelled")
		}
	})

	t.Run("unknown agent is a no-op", func(t *testing.T) {
		r, _ := newTestRegistry(t)
		r.Unregister(context.Background(), "nobody")
	})

	t.Run("survives persistence failure", func(t *testing.T) {
		r, st := newTestRegistry(t)
		seedAgent(t, st, "agent-1")
		r.Register(context.Background(), "agent-1", "srv-1", &fakeTransport{})

		st.ErrUpdateStatus = errors.New("disk full")
		r.Unregister(context.Background(), "agent-1")

		if r.IsConnected("agent-1") {
			t.Error("agent must leave the registry even when persistence fails")
		}
	})
}

func TestUnregisterConn(t *testing.T) {
	t.Run("removes the current connection", func(t *testing.T) {
		r, st := newTestRegistry(t)
		seedAgent(t, st, "agent-1")

		conn := r.Register(context.Background(), "agent-1", "srv-1", &fakeTransport{})
		r.UnregisterConn(context.Background(), conn)

		if r.IsConnected("agent-1") {
			t.Error("agent should not be connected after UnregisterConn")
		}
		a, err := st.GetAgent(context.Background(), "agent-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.Status != store.StatusDisconnected {
			t.Errorf("expected status %s, got %s", store.StatusDisconnected, a.Status)
		}
	})

	t.Run("superseded connection cannot evict its replacement", func(t *testing.T) {
		r, st := newTestRegistry(t)
		seedAgent(t, st, "agent-1")
		ctx := context.Background()

		old := r.Register(ctx, "agent-1", "srv-1", &fakeTransport{})
		replacement := r.Register(ctx, "agent-1", "srv-1", &fakeTransport{})

		// The old handler's cleanup runs after its connection was
		// evicted by the reconnect. It must leave the replacement alone.
		r.UnregisterConn(ctx, old)

		if !r.IsConnected("agent-1") {
			t.Fatal("replacement connection must stay registered")
		}
		if got := r.get("agent-1"); got != replacement {
			t.Error("registered connection is not the replacement")
		}

		a, err := st.GetAgent(ctx, "agent-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.Status != store.StatusConnected {
			t.Errorf("expected status %s, got %s", store.StatusConnected, a.Status)
		}
	})
}

func TestByServer(t *testing.T) {
	r, st := newTestRegistry(t)
	seedAgent(t, st, "agent-1")
	seedAgent(t, st, "agent-2")

	r.Register(context.Background(), "agent-1", "srv-a", &fakeTransport{})
	r.Register(context.Background(), "agent-2", "srv-b", &fakeTransport{})

	conn := r.ByServer("srv-b")
	if conn == nil {
		t.Fatal("expected connection for srv-b")
	}
	if conn.AgentID != "agent-2" {
		t.Errorf("expected agent-2, got %s", conn.AgentID)
	}
	if r.ByServer("srv-missing") != nil {
		t.Error("expected nil for unknown server")
	}
}

func TestConnectionInfo(t *testing.T) {
	r, st := newTestRegistry(t)
	seedAgent(t, st, "agent-1")

	if r.ConnectionInfo("agent-1") != nil {
		t.Error("expected nil info before registration")
	}

	conn := r.Register(context.Background(), "agent-1", "srv-1", &fakeTransport{})
	if _, err := conn.addWaiter("req-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info := r.ConnectionInfo("agent-1")
	if info == nil {
		t.Fatal("expected info for connected agent")
	}
	if info.ServerID != "srv-1" {
		t.Errorf("expected server srv-1, got %s", info.ServerID)
	}
	if info.PendingCount != 1 {
		t.Errorf("expected 1 pending request, got %d", info.PendingCount)
	}
}

func TestBuiltinHandlers(t *testing.T) {
	t.Run("heartbeat feeds the monitor", func(t *testing.T) {
		st := store.NewMockStore()
		mon := monitor.New(st, 30*time.Second, 90*time.Second, monitor.VersionPolicy{}, slog.Default())
		r := NewRegistry(st, mon, slog.Default())
		RegisterBuiltins(r, mon)
		seedAgent(t, st, "agent-1")

		r.Register(context.Background(), "agent-1", "srv-1", &fakeTransport{})

		hb := []byte(`{"jsonrpc":"2.0","method":"agent.heartbeat","params":{"cpu_percent":12.5,"memory_percent":40,"uptime_seconds":600}}`)
		r.HandleMessage("agent-1", hb)

		if mon.IsAgentStale("agent-1") {
			t.Error("agent should be fresh right after a heartbeat")
		}

		a, err := st.GetAgent(context.Background(), "agent-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.LastSeen == nil {
			t.Error("heartbeat should persist last-seen")
		}
	})

	t.Run("malformed heartbeat still counts as liveness", func(t *testing.T) {
		st := store.NewMockStore()
		mon := monitor.New(st, 30*time.Second, 90*time.Second, monitor.VersionPolicy{}, slog.Default())
		r := NewRegistry(st, mon, slog.Default())
		RegisterBuiltins(r, mon)
		seedAgent(t, st, "agent-1")
		r.Register(context.Background(), "agent-1", "srv-1", &fakeTransport{})

		r.HandleMessage("agent-1", []byte(`{"jsonrpc":"2.0","method":"agent.heartbeat","params":{"cpu_percent":"lots"}}`))

		if mon.IsAgentStale("agent-1") {
			t.Error("malformed stats must still refresh liveness")
		}
	})

	t.Run("shutdown unregisters and persists status", func(t *testing.T) {
		st := store.NewMockStore()
		mon := monitor.New(st, 30*time.Second, 90*time.Second, monitor.VersionPolicy{}, slog.Default())
		r := NewRegistry(st, mon, slog.Default())
		RegisterBuiltins(r, mon)
		seedAgent(t, st, "agent-1")
		r.Register(context.Background(), "agent-1", "srv-1", &fakeTransport{})

		r.HandleMessage("agent-1", []byte(`{"jsonrpc":"2.0","method":"agent.shutdown","params":{"reason":"rebooting","restart":true}}`))

		if r.IsConnected("agent-1") {
			t.Error("agent should be unregistered after shutdown notice")
		}

		a, err := st.GetAgent(context.Background(), "agent-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.Status != store.StatusPending {
			t.Errorf("restart shutdown should leave status %s, got %s", store.StatusPending, a.Status)
		}
	})

	t.Run("permanent shutdown marks disconnected", func(t *testing.T) {
		st := store.NewMockStore()
		mon := monitor.New(st, 30*time.Second, 90*time.Second, monitor.VersionPolicy{}, slog.Default())
		r := NewRegistry(st, mon, slog.Default())
		RegisterBuiltins(r, mon)
		seedAgent(t, st, "agent-1")
		r.Register(context.Background(), "agent-1", "srv-1", &fakeTransport{})

		r.HandleMessage("agent-1", []byte(`{"jsonrpc":"2.0","method":"agent.shutdown","params":{"reason":"decommissioned","restart":false}}`))

		a, err := st.GetAgent(context.Background(), "agent-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.Status != store.StatusDisconnected {
			t.Errorf("expected status %s, got %s", store.StatusDisconnected, a.Status)
		}
	})
}

func TestConcurrentRegistration(t *testing.T) {
	r, st := newTestRegistry(t)
	seedAgent(t, st, "agent-1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register(context.Background(), "agent-1", "srv-1", &fakeTransport{})
		}()
	}
	wg.Wait()

	ids := r.ConnectedIDs()
	if len(ids) != 1 {
		t.Fatalf("expected exactly 1 connection, got %d", len(ids))
	}
	if ids[0] != "agent-1" {
		t.Errorf("expected agent-1, got %s", ids[0])
	}
}

// Exercise the notification router's error paths via raw frames.
func TestDispatchEdgeCases(t *testing.T) {
	t.Run("panicking handler does not crash the loop", func(t *testing.T) {
		r, st := newTestRegistry(t)
		seedAgent(t, st, "agent-1")
		r.Register(context.Background(), "agent-1", "srv-1", &fakeTransport{})

		r.RegisterHandler("explode", func(agentID string, params json.RawMessage) {
			panic("boom")
		})

		r.HandleMessage("agent-1", []byte(`{"jsonrpc":"2.0","method":"explode"}`))
		// Reaching here without a panic is the assertion.
	})

	t.Run("last registered handler wins", func(t *testing.T) {
		r, _ := newTestRegistry(t)

		var got string
		r.RegisterHandler("m", func(agentID string, params json.RawMessage) { got = "first" })
		r.RegisterHandler("m", func(agentID string, params json.RawMessage) { got = "second" })

		r.dispatchNotification("agent-1", &envelope{Method: "m"})
		if got != "second" {
			t.Errorf("expected second handler to run, got %q", got)
		}
	})
}
