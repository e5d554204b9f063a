package wsconn

import "testing"

func TestDirectionString(t *testing.T) {
	if Inbound.String() != "inbound" {
		t.Errorf("expected inbound, got %s", Inbound.String())
	}
	if Outbound.String() != "outbound" {
		t.Errorf("expected outbound, got %s", Outbound.String())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := &Connection{}
	c.closed.Store(true)
	if !c.IsClosed() {
		t.Error("expected connection to report closed")
	}
	if err := c.Close(1000, "again"); err != nil {
		t.Errorf("expected a repeated Close to be a no-op, got %v", err)
	}
}
