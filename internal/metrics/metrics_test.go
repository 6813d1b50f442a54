package metrics

import (
	"encoding/json"
	"sync"
	"testing"
)

func TestCollector_Connections(t *testing.T) {
	c := New()

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionOpened()
	if c.ActiveConnections() != 3 {
		t.Errorf("active = %d, want 3", c.ActiveConnections())
	}

	c.ConnectionsClosed(2)
	if c.ActiveConnections() != 1 {
		t.Errorf("active = %d, want 1", c.ActiveConnections())
	}
	if c.TotalConnections() != 3 {
		t.Errorf("total should remain 3, got %d", c.TotalConnections())
	}

	c.ConnectionsClosed(0)
	c.ConnectionsClosed(-4)
	if c.ActiveConnections() != 1 {
		t.Errorf("non-positive close should be ignored, active = %d", c.ActiveConnections())
	}
}

func TestCollector_Bytes(t *testing.T) {
	c := New()

	c.BytesReceived(1024)
	c.BytesSent(512)
	c.BytesReceived(100)

	if c.TotalBytesIn() != 1124 {
		t.Errorf("bytes in = %d, want 1124", c.TotalBytesIn())
	}
	if c.TotalBytesOut() != 512 {
		t.Errorf("bytes out = %d, want 512", c.TotalBytesOut())
	}
}

func TestCollector_Broadcast(t *testing.T) {
	c := New()

	c.Broadcast(2, 1)
	c.Broadcast(3, 0)

	if c.Broadcasts() != 2 {
		t.Errorf("broadcasts = %d, want 2", c.Broadcasts())
	}
	if c.Deliveries() != 5 {
		t.Errorf("deliveries = %d, want 5", c.Deliveries())
	}
	if c.WriteFailures() != 1 {
		t.Errorf("write failures = %d, want 1", c.WriteFailures())
	}
}

func TestCollector_TunnelReconnects(t *testing.T) {
	c := New()

	c.TunnelReconnect()
	c.TunnelReconnect()

	if c.TunnelReconnects() != 2 {
		t.Errorf("reconnects = %d, want 2", c.TunnelReconnects())
	}
}

func TestCollector_Snapshot(t *testing.T) {
	c := New()
	c.ConnectionOpened()
	c.BytesReceived(100)
	c.BytesSent(50)
	c.Broadcast(1, 0)
	c.RecordError("test")

	snap := c.Snapshot()
	if snap.ConnectionsActive != 1 {
		t.Errorf("snap active = %d", snap.ConnectionsActive)
	}
	if snap.BytesIn != 100 {
		t.Errorf("snap bytes in = %d", snap.BytesIn)
	}
	if snap.Broadcasts != 1 || snap.Deliveries != 1 {
		t.Errorf("snap broadcasts = %d deliveries = %d", snap.Broadcasts, snap.Deliveries)
	}
	if snap.ErrorsTotal != 1 {
		t.Errorf("snap errors = %d", snap.ErrorsTotal)
	}
	if snap.LastErrorMessage != "test" {
		t.Errorf("snap error msg = %q", snap.LastErrorMessage)
	}
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.ConnectionOpened()
	c.BytesSent(42)

	raw := c.JSON()
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("JSON parse error: %v", err)
	}
	if snap.ConnectionsActive != 1 {
		t.Errorf("JSON active = %d", snap.ConnectionsActive)
	}
	if snap.BytesOut != 42 {
		t.Errorf("JSON bytes out = %d", snap.BytesOut)
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ConnectionOpened()
			c.BytesReceived(10)
			c.Broadcast(1, 0)
		}()
	}
	wg.Wait()

	if c.TotalConnections() != 50 {
		t.Errorf("total = %d, want 50", c.TotalConnections())
	}
	if c.TotalBytesIn() != 500 {
		t.Errorf("bytes in = %d, want 500", c.TotalBytesIn())
	}
}

func TestNilCollector_NoOps(t *testing.T) {
	var c *Collector

	// None of these should panic.
	c.ConnectionOpened()
	c.ConnectionsClosed(1)
	c.BytesReceived(100)
	c.BytesSent(100)
	c.Broadcast(1, 1)
	c.TunnelReconnect()
	c.RecordError("test")

	if c.ActiveConnections() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.Deliveries() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.ErrorCount() != 0 {
		t.Error("nil collector should return 0")
	}

	snap := c.Snapshot()
	if snap.ConnectionsActive != 0 {
		t.Error("nil snapshot should be zero")
	}

	if j := c.JSON(); j == "" {
		t.Error("nil JSON should return valid JSON")
	}
}
