package moonhostagent

import "testing"

func TestParseCurrentUsageFlatShape(t *testing.T) {
	usage, err := ParseCurrentUsage(`{"id":"abc","usage":{"totalTokens":4200},"limits":{"maxTokens":10000}}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if usage.SessionID != "abc" || usage.UsedTokens != 4200 || usage.MaxTokens != 10000 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestParseCurrentUsageFlatShapeDefaultsMax(t *testing.T) {
	usage, err := ParseCurrentUsage(`{"sessionId":"x","usedTokens":500}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if usage.MaxTokens != 200000 {
		t.Fatalf("expected default max 200000, got %d", usage.MaxTokens)
	}
}

func TestParseCurrentUsageListShapePicksLatest(t *testing.T) {
	raw := `{"sessions":[
		{"key":"a","totalTokens":100,"contextTokens":1000,"updatedAt":1},
		{"key":"b","totalTokens":200,"contextTokens":1000,"updatedAt":5}
	]}`
	usage, err := ParseCurrentUsage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if usage.SessionID != "b" || usage.UsedTokens != 200 {
		t.Fatalf("expected latest entry b to win, got %+v", usage)
	}
}

func TestParseCurrentUsageMissingUsedTokensIsSchemaError(t *testing.T) {
	if _, err := ParseCurrentUsage(`{"sessionId":"x"}`); err == nil {
		t.Fatal("expected error for missing used-token fields")
	}
}

func TestParseEntryUsageSkipsEntriesWithoutUsage(t *testing.T) {
	if _, ok := parseEntryUsage(map[string]any{"key": "no-usage"}); ok {
		t.Fatal("expected entries lacking usage fields to be skipped")
	}
}
