package gateway

import (
	"sync"
	"testing"
	"time"
)

func TestRunTableAddResolve(t *testing.T) {
	table := NewRunTable(time.Minute, nil)

	table.Add("run-1", "u1")
	table.Add("run-2", "u2")
	if table.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", table.Len())
	}

	customer, ok := table.Resolve("run-1")
	if !ok || customer != "u1" {
		t.Errorf("Resolve(run-1) = %q, %v", customer, ok)
	}
	if table.Len() != 1 {
		t.Errorf("Len() after resolve = %d, want 1", table.Len())
	}

	// 二次 Resolve 失败
	if _, ok := table.Resolve("run-1"); ok {
		t.Error("Resolve() should consume the entry")
	}
}

func TestRunTableResolveUnknown(t *testing.T) {
	table := NewRunTable(time.Minute, nil)
	if _, ok := table.Resolve("nope"); ok {
		t.Error("Resolve() of unknown run should miss")
	}
}

func TestRunTableExpiry(t *testing.T) {
	var mu sync.Mutex
	var expired []string

	table := NewRunTable(20*time.Millisecond, func(runID, customerID string) {
		mu.Lock()
		expired = append(expired, runID+":"+customerID)
		mu.Unlock()
	})

	table.Add("run-1", "u1")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(expired)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != "run-1:u1" {
		t.Fatalf("expired = %v", expired)
	}
	if table.Len() != 0 {
		t.Errorf("Len() after expiry = %d", table.Len())
	}
}

func TestRunTableResolveStopsTimer(t *testing.T) {
	var mu sync.Mutex
	var expired []string

	table := NewRunTable(20*time.Millisecond, func(runID, customerID string) {
		mu.Lock()
		expired = append(expired, runID)
		mu.Unlock()
	})

	table.Add("run-1", "u1")
	if _, ok := table.Resolve("run-1"); !ok {
		t.Fatal("Resolve() failed")
	}

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 0 {
		t.Errorf("resolved run still expired: %v", expired)
	}
}

func TestRunTableClear(t *testing.T) {
	var mu sync.Mutex
	var expired []string

	table := NewRunTable(time.Minute, func(runID, customerID string) {
		mu.Lock()
		expired = append(expired, runID)
		mu.Unlock()
	})

	table.Add("run-1", "u1")
	table.Add("run-2", "u2")
	table.Clear()

	if table.Len() != 0 {
		t.Errorf("Len() after Clear = %d", table.Len())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 2 {
		t.Errorf("Clear() expired %d entries, want 2", len(expired))
	}
}
