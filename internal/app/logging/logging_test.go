package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestEntryIncludesCorrelationFields(t *testing.T) {
	log := New("info", "json")
	var buf bytes.Buffer
	log.SetOutput(&buf)

	ctx := WithCorrelation(context.Background(), "req-1", "user-42", "cluster-a")
	Entry(ctx, log).Info("handled request")

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if decoded["correlation_id"] != "req-1" || decoded["actor"] != "user-42" || decoded["cluster_id"] != "cluster-a" {
		t.Fatalf("missing correlation fields: %v", decoded)
	}
}

func TestEntryWithoutCorrelationStillLogs(t *testing.T) {
	log := New("info", "json")
	var buf bytes.Buffer
	log.SetOutput(&buf)

	Entry(context.Background(), log).Info("no correlation")
	if buf.Len() == 0 {
		t.Fatal("expected log output")
	}
}
