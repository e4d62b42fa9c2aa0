package supervisor

import (
	"bufio"
	"bytes"
	"encoding/json"
)

// AgentResult is what an agent run reduces to once its NDJSON stream has
// been fully parsed.
type AgentResult struct {
	Output       string
	RawStream    string
	NewSessionID string
	CostUSD      float64
}

// ndjsonEvent is the subset of the `claude --output-format stream-json`
// event shape this parser understands. Fields it doesn't recognise are
// simply ignored by encoding/json.
type ndjsonEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Result       string   `json:"result"`
	TotalCostUSD *float64 `json:"total_cost_usd"`
	SessionID    string   `json:"session_id"`
}

// NDJSONParser consumes a newline-delimited JSON event stream incrementally
// and reduces it to an AgentResult. It is safe to Feed lines as they arrive
// from a live stdout drain, or all at once over a buffered capture.
type NDJSONParser struct {
	assistant  bytes.Buffer
	raw        bytes.Buffer
	resultText string
	haveResult bool
	costUSD    float64
	sessionID  string
}

// NewNDJSONParser returns a parser ready to Feed.
func NewNDJSONParser() *NDJSONParser {
	return &NDJSONParser{}
}

// Feed consumes one line of the raw stream. It is preserved byte-exact in
// RawStream regardless of whether it parses.
func (p *NDJSONParser) Feed(line []byte) {
	p.raw.Write(line)
	p.raw.WriteByte('\n')

	var ev ndjsonEvent
	if err := json.Unmarshal(bytes.TrimSpace(line), &ev); err != nil {
		return // malformed lines are skipped silently
	}

	if ev.SessionID != "" {
		p.sessionID = ev.SessionID
	}

	switch ev.Type {
	case "assistant":
		if ev.Message != nil {
			for _, chunk := range ev.Message.Content {
				if chunk.Type == "text" {
					p.assistant.WriteString(chunk.Text)
				}
			}
		}
	case "result":
		p.haveResult = true
		p.resultText = ev.Result
		if ev.TotalCostUSD != nil {
			p.costUSD = *ev.TotalCostUSD
		} else {
			p.costUSD = 0.0
		}
	}
}

// FeedAll feeds every line of a buffered NDJSON capture, splitting on '\n'.
func (p *NDJSONParser) FeedAll(raw []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.Feed(scanner.Bytes())
	}
}

// Result reduces the accumulated stream to an AgentResult. A result event,
// if any arrived, supersedes the assistant text accumulator.
func (p *NDJSONParser) Result() AgentResult {
	output := p.assistant.String()
	if p.haveResult {
		output = p.resultText
	}
	return AgentResult{
		Output:       output,
		RawStream:    p.raw.String(),
		NewSessionID: p.sessionID,
		CostUSD:      p.costUSD,
	}
}

// ParseNDJSON is a convenience wrapper for parsing a complete, buffered
// capture in one call.
func ParseNDJSON(raw []byte) AgentResult {
	p := NewNDJSONParser()
	p.FeedAll(raw)
	return p.Result()
}
