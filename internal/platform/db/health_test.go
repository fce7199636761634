package db

import (
	"encoding/json"
	"testing"
)

func TestPoolStats_JSONShape(t *testing.T) {
	stats := &PoolStats{
		TotalConns:      10,
		IdleConns:       5,
		AcquiredConns:   5,
		MaxConns:        20,
		AcquireCount:    100,
		AcquireDuration: "1.5s",
		Healthy:         true,
	}

	raw, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{
		"total_conns", "idle_conns", "acquired_conns",
		"max_conns", "acquire_count", "acquire_duration", "healthy",
	} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("expected %q in the readiness payload, got %v", key, decoded)
		}
	}
	if decoded["healthy"] != true {
		t.Error("expected healthy true")
	}
	if decoded["acquire_duration"] != "1.5s" {
		t.Errorf("expected acquire_duration '1.5s', got %v", decoded["acquire_duration"])
	}
}

func TestPoolStats_UnhealthyState(t *testing.T) {
	stats := &PoolStats{MaxConns: 20}

	if stats.Healthy {
		t.Error("a pool with no connections must not report healthy")
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["healthy"] != false {
		t.Errorf("expected healthy false, got %v", decoded["healthy"])
	}
}
