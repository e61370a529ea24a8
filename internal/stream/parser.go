// Package stream turns the assistant CLI's newline-delimited JSON stdout
// into typed events (§4.4). The per-record field extraction follows the
// teacher's map[string]any StreamMessage style in
// internal/external/claudecode/messages.go rather than a fully-typed
// schema, because the upstream CLI's record shapes are not contractually
// stable across its own versions.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"relaycore/internal/logging"
	"relaycore/internal/protocol"
)

// Event is one typed event produced from a stream record. Type mirrors
// the Task Manager's stream-aggregation switch (§4.3): assistant_message,
// tool_use_begin, tool_use_end, token_usage, result, rate_limit, error.
type Event struct {
	Type string
	Data protocol.StreamEventData
}

// Parser is a stateful byte-to-event translator: single-owner,
// non-concurrent, matching §4.4.
type Parser struct {
	carry []byte
	log   logging.Logger
}

// New returns a Parser with an empty carry-over buffer.
func New() *Parser {
	return &Parser{log: logging.NewComponentLogger("StreamParser")}
}

// Reset clears the carry-over buffer, e.g. between tasks.
func (p *Parser) Reset() {
	p.carry = nil
}

// Parse splits chunk on LF, buffering any incomplete trailing line across
// calls, and dispatches each complete line to record decoding.
func (p *Parser) Parse(chunk []byte) []Event {
	data := append(p.carry, chunk...)
	lines := bytes.Split(data, []byte{'\n'})
	p.carry = nil

	if len(lines) > 0 {
		last := lines[len(lines)-1]
		if len(last) > 0 && !bytes.HasSuffix(data, []byte{'\n'}) {
			p.carry = append([]byte(nil), last...)
			lines = lines[:len(lines)-1]
		}
	}

	var events []Event
	for _, raw := range lines {
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		events = append(events, p.decodeLine(line)...)
	}
	return events
}

func (p *Parser) decodeLine(line []byte) []Event {
	record, err := decodeRecord(line)
	if err != nil {
		repaired, rerr := jsonrepair.JSONRepair(string(line))
		if rerr == nil {
			if record, err = decodeRecord([]byte(repaired)); err == nil {
				return dispatch(record)
			}
		}
		p.log.Warn("discarding malformed stream line: %v", err)
		return nil
	}
	return dispatch(record)
}

func decodeRecord(line []byte) (map[string]any, error) {
	var record map[string]any
	if err := json.Unmarshal(line, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// dispatch maps one decoded record to zero or more events by its "type"
// field, per §4.4's table.
func dispatch(record map[string]any) []Event {
	recordType, _ := record["type"].(string)
	switch recordType {
	case "assistant":
		return dispatchAssistant(record)
	case "tool_use":
		return []Event{{Type: "tool_use_begin", Data: protocol.StreamEventData{
			ToolName: stringField(record, "tool_name"),
			Summary:  toolSummary(record),
		}}}
	case "ask_user":
		return []Event{{Type: "tool_use_begin", Data: protocol.StreamEventData{
			ToolName: "AskUserQuestion",
			Summary:  stringField(record, "question"),
		}}}
	case "tool_result":
		isError, _ := record["is_error"].(bool)
		success := !isError
		return []Event{{Type: "tool_use_end", Data: protocol.StreamEventData{
			ToolName: stringField(record, "tool_name"),
			Summary:  truncate(stringField(record, "content"), 80),
			Success:  &success,
		}}}
	case "result":
		events := []Event{{Type: "result", Data: protocol.StreamEventData{
			Text:      extractResultText(record),
			SessionID: stringField(record, "session_id"),
		}}}
		if usage := extractResultUsage(record); usage != nil {
			events = append(events, Event{Type: "token_usage", Data: protocol.StreamEventData{Usage: usage}})
		}
		return events
	case "rate_limit_event":
		if info, ok := record["rate_limit_info"]; ok {
			return []Event{{Type: "rate_limit", Data: protocol.StreamEventData{RateLimit: info}}}
		}
		return nil
	default:
		if usage := usageFromTopLevel(record); usage != nil {
			return []Event{{Type: "token_usage", Data: protocol.StreamEventData{Usage: usage}}}
		}
		return nil
	}
}

func dispatchAssistant(record map[string]any) []Event {
	var events []Event
	msg, _ := record["message"].(map[string]any)
	if text := extractAssistantText(msg, record); text != "" {
		events = append(events, Event{Type: "assistant_message", Data: protocol.StreamEventData{Text: text}})
	}
	if msg != nil {
		if usage := usageFromTopLevel(msg); usage != nil {
			events = append(events, Event{Type: "token_usage", Data: protocol.StreamEventData{Usage: usage}})
		}
	}
	return events
}

func extractAssistantText(msg map[string]any, record map[string]any) string {
	if msg != nil {
		if text := extractContentText(msg["content"]); text != "" {
			return text
		}
	}
	return extractContentText(record["content"])
}

func extractContentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, item := range v {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if entryType, _ := entry["type"].(string); entryType == "text" {
				sb.WriteString(stringField(entry, "text"))
			}
		}
		return sb.String()
	default:
		return ""
	}
}

func extractResultText(record map[string]any) string {
	if text := stringField(record, "result"); text != "" {
		return text
	}
	return stringField(record, "output")
}

// extractResultUsage sums per-model usage if present, else falls back to a
// top-level usage object (§4.4).
func extractResultUsage(record map[string]any) *protocol.TokenUsage {
	if modelUsage, ok := record["modelUsage"].(map[string]any); ok && len(modelUsage) > 0 {
		var total protocol.TokenUsage
		for _, v := range modelUsage {
			entry, ok := v.(map[string]any)
			if !ok {
				continue
			}
			total.Input += numberField(entry, "inputTokens")
			total.Output += numberField(entry, "outputTokens")
			total.CacheRead += numberField(entry, "cacheReadInputTokens")
			total.CacheWrite += numberField(entry, "cacheCreationInputTokens")
		}
		return &total
	}
	return usageFromTopLevel(record)
}

func usageFromTopLevel(record map[string]any) *protocol.TokenUsage {
	raw, ok := record["usage"].(map[string]any)
	if !ok {
		return nil
	}
	return &protocol.TokenUsage{
		Input:      numberField(raw, "input_tokens"),
		Output:     numberField(raw, "output_tokens"),
		CacheRead:  numberField(raw, "cache_read_input_tokens"),
		CacheWrite: numberField(raw, "cache_creation_input_tokens"),
	}
}

// toolSummary builds the per-tool summary string (§4.4): Read/Edit/Write
// show the path, Bash is truncated to 60 chars, Grep shows pattern+path,
// Glob shows the pattern, AskUserQuestion uses the question text, anything
// else falls back to the tool name.
func toolSummary(record map[string]any) string {
	name := stringField(record, "tool_name")
	input, _ := record["tool_input"].(map[string]any)
	switch name {
	case "Read", "Edit", "Write":
		return stringField(input, "file_path")
	case "Bash":
		return truncate(stringField(input, "command"), 60)
	case "Grep":
		return stringField(input, "pattern") + " " + stringField(input, "path")
	case "Glob":
		return stringField(input, "pattern")
	case "AskUserQuestion":
		return stringField(input, "question")
	default:
		return name
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func numberField(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
