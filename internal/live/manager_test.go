package live

import (
	"strconv"
	"testing"
	"time"

	"github.com/avdeyev/codecanvas/internal/regen"
	"github.com/coder/websocket"
)

func regenUpdate(kind, content string) regen.Update {
	return regen.Update{UID: "rec-1", Type: kind, Content: content}
}

func TestManager_Register(t *testing.T) {
	m := NewManager()
	conn := &websocket.Conn{}

	m.Register("user-1", "tab-1", conn)

	if got := m.GetActive("user-1", "tab-1"); got != conn {
		t.Errorf("Expected connection %v, got %v", conn, got)
	}
}

func TestManager_Unregister(t *testing.T) {
	m := NewManager()
	conn := &websocket.Conn{}

	m.Register("user-1", "tab-1", conn)
	m.Unregister("user-1", "tab-1", conn)

	if got := m.GetActive("user-1", "tab-1"); got != nil {
		t.Errorf("Expected nil connection, got %v", got)
	}
}

func TestManager_UnregisterStale(t *testing.T) {
	m := NewManager()
	conn1 := &websocket.Conn{}
	conn2 := &websocket.Conn{}

	m.Register("user-1", "tab-1", conn1)

	// Another tab should remain active when a stale unregister happens.
	m.Register("user-1", "tab-2", conn2)
	m.Unregister("user-1", "tab-1", conn1)

	if got := m.GetActive("user-1", "tab-2"); got != conn2 {
		t.Errorf("Expected connection %v, got %v", conn2, got)
	}
}

func TestManager_PublishToMissingSessionIsNoop(t *testing.T) {
	m := NewManager()
	// Must not panic or block when nobody is listening.
	m.Publish("user-1", "tab-1", regenUpdate("partial", "const x = 1;"))
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager()

	go func() {
		for i := 0; i < 1000; i++ {
			m.Register("user-1", "tab-"+strconv.Itoa(i), &websocket.Conn{})
		}
	}()

	go func() {
		for i := 0; i < 1000; i++ {
			m.GetActive("user-1", "tab-"+strconv.Itoa(i))
		}
	}()

	time.Sleep(100 * time.Millisecond)
}
