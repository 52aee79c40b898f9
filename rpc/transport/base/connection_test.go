package base

import (
	"net"
	"testing"

	"github.com/ValentinKolb/rocket/rpc/common"
)

func TestConnectionStateObservers(t *testing.T) {
	conn := NewConnection(7, 0)
	if conn.State() != common.StateNotConnected {
		t.Fatalf("expected initial state %s, got %s", common.StateNotConnected, conn.State())
	}

	var order []string
	var seen []common.ConnectionState
	conn.OnStateChanged(func(c *Connection, s common.ConnectionState) {
		if c != conn {
			t.Errorf("observer received wrong connection %s", c)
		}
		order = append(order, "first")
		seen = append(seen, s)
	})
	unsubscribe := conn.OnStateChanged(func(*Connection, common.ConnectionState) {
		order = append(order, "second")
	})

	conn.SetState(common.StateConnecting)
	conn.SetState(common.StateConnecting) // unchanged, no notification
	unsubscribe()
	conn.SetState(common.StateConnected)

	expectedOrder := []string{"first", "second", "first"}
	if len(order) != len(expectedOrder) {
		t.Fatalf("expected notifications %v, got %v", expectedOrder, order)
	}
	for i := range expectedOrder {
		if order[i] != expectedOrder[i] {
			t.Errorf("notification %d: expected %s, got %s", i, expectedOrder[i], order[i])
		}
	}
	if seen[0] != common.StateConnecting || seen[1] != common.StateConnected {
		t.Errorf("unexpected states %v", seen)
	}
}

func TestConnectionAttachDetach(t *testing.T) {
	conn := NewConnection(1, 64)
	if conn.IsOpen() {
		t.Fatal("new connection must not be open")
	}
	if conn.RemoteAddr() != nil {
		t.Error("RemoteAddr of a connection without transport must be nil")
	}

	a, b := net.Pipe()
	defer b.Close()

	if err := conn.Attach(a); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if !conn.IsOpen() {
		t.Error("connection should be open after Attach")
	}
	if err := conn.Attach(a); err == nil {
		t.Error("second Attach should fail while a transport is attached")
	}

	other, _ := net.Pipe()
	if conn.detach(other) {
		t.Error("detach of a foreign transport must fail")
	}
	if !conn.detach(a) {
		t.Error("detach of the attached transport should succeed")
	}
	if conn.IsOpen() {
		t.Error("connection should not be open after detach")
	}

	conn.Retire()
	if !conn.Retired() {
		t.Error("Retired should report true after Retire")
	}
	if err := conn.Attach(a); err != common.ErrClosed {
		t.Errorf("Attach on a retired connection: expected ErrClosed, got %v", err)
	}
}

func TestConnectionString(t *testing.T) {
	if s := NewConnection(42, 0).String(); s != "connection #42" {
		t.Errorf("unexpected String(): %s", s)
	}
}
