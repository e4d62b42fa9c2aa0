package supervisor

import (
	"strings"
	"testing"
)

func TestNDJSONLastResultWins(t *testing.T) {
	lines := []string{
		`{"type":"assistant","message":{"content":[{"type":"text","text":"partial"}]}}`,
		`{"type":"result","result":"final answer","total_cost_usd":0.0123,"session_id":"sess-1"}`,
	}
	res := ParseNDJSON([]byte(strings.Join(lines, "\n")))

	if res.Output != "final answer" {
		t.Fatalf("want result to supersede assistant accumulator, got %q", res.Output)
	}
	if res.CostUSD != 0.0123 {
		t.Fatalf("want cost 0.0123, got %v", res.CostUSD)
	}
	if res.NewSessionID != "sess-1" {
		t.Fatalf("want session sess-1, got %q", res.NewSessionID)
	}
}

func TestNDJSONNoResultEventUsesAssistantText(t *testing.T) {
	lines := []string{
		`{"type":"assistant","message":{"content":[{"type":"text","text":"hello "}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"world"}]}}`,
	}
	res := ParseNDJSON([]byte(strings.Join(lines, "\n")))

	if res.Output != "hello world" {
		t.Fatalf("want concatenated assistant text, got %q", res.Output)
	}
	if res.CostUSD != 0.0 {
		t.Fatalf("want cost 0.0 when no result event arrives, got %v", res.CostUSD)
	}
}

func TestNDJSONMissingCostOnResultDefaultsToZero(t *testing.T) {
	lines := []string{
		`{"type":"result","result":"done"}`,
	}
	res := ParseNDJSON([]byte(strings.Join(lines, "\n")))
	if res.CostUSD != 0.0 {
		t.Fatalf("want cost 0.0 when result omits total_cost_usd, got %v", res.CostUSD)
	}
}

func TestNDJSONMalformedLinesSkippedButRawPreserved(t *testing.T) {
	lines := []string{
		`not json at all`,
		`{"type":"result","result":"ok","total_cost_usd":1.5}`,
	}
	raw := strings.Join(lines, "\n")
	res := ParseNDJSON([]byte(raw))

	if res.Output != "ok" {
		t.Fatalf("want malformed line skipped and result parsed, got %q", res.Output)
	}
	if !strings.Contains(res.RawStream, "not json at all") {
		t.Fatal("want raw stream to preserve the malformed line byte-exact")
	}
}

func TestNDJSONSessionIDLastEventWins(t *testing.T) {
	lines := []string{
		`{"type":"system","session_id":"sess-old"}`,
		`{"type":"assistant","session_id":"sess-new","message":{"content":[{"type":"text","text":"hi"}]}}`,
	}
	res := ParseNDJSON([]byte(strings.Join(lines, "\n")))
	if res.NewSessionID != "sess-new" {
		t.Fatalf("want last session_id to win, got %q", res.NewSessionID)
	}
}
