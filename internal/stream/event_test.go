package stream

import (
	"encoding/json"
	"testing"
)

func TestDecode_EmptyAndMalformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"whitespace", "   \n\t"},
		{"not json", "hello world"},
		{"truncated", `{"type":"assistant","message":{"content":[`},
		{"number", "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := Decode(tt.line)
			if ok || ev != nil {
				t.Errorf("Decode(%q) = %+v, %v; want nil, false", tt.line, ev, ok)
			}
		})
	}
}

func TestDecode_System(t *testing.T) {
	ev, ok := Decode(`{"type":"system","subtype":"init","session_id":"s1","tools":["Bash"]}` + "\n")
	if !ok {
		t.Fatal("Decode() ok = false")
	}
	if ev.Type != TypeSystem {
		t.Errorf("Type = %q, want %q", ev.Type, TypeSystem)
	}
	if ev.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", ev.SessionID)
	}
}

func TestDecode_AssistantBlocks(t *testing.T) {
	line := `{"type":"assistant","uuid":"u1","message":{"model":"claude-x","content":[
		{"type":"thinking","thinking":"hmm"},
		{"type":"text","text":"hi"},
		{"type":"tool_use","id":"tc_1","name":"Read","input":{"path":"a.txt"}}]}}`
	ev, ok := Decode(line)
	if !ok {
		t.Fatal("Decode() ok = false")
	}
	if ev.UUID != "u1" {
		t.Errorf("UUID = %q, want u1", ev.UUID)
	}
	if ev.Message == nil || ev.Message.Model != "claude-x" {
		t.Fatalf("Message = %+v, want model claude-x", ev.Message)
	}
	blocks := ev.Message.Content.Blocks
	if len(blocks) != 3 {
		t.Fatalf("len(Blocks) = %d, want 3", len(blocks))
	}
	if blocks[0].Thinking != "hmm" || blocks[1].Text != "hi" {
		t.Errorf("unexpected text blocks: %+v", blocks[:2])
	}
	if blocks[2].ID != "tc_1" || blocks[2].Name != "Read" {
		t.Errorf("tool_use block = %+v", blocks[2])
	}
	if got := string(blocks[2].ToolInput()); got != `{"path":"a.txt"}` {
		t.Errorf("ToolInput() = %s", got)
	}
}

func TestDecode_UserStringContent(t *testing.T) {
	ev, ok := Decode(`{"type":"user","message":{"role":"user","content":"fix the bug"},"timestamp":"2025-01-02T03:04:05.000Z"}`)
	if !ok {
		t.Fatal("Decode() ok = false")
	}
	if !ev.Message.Content.IsText || ev.Message.Content.Text != "fix the bug" {
		t.Errorf("Content = %+v, want text", ev.Message.Content)
	}
	if ev.Message.Content.HasToolResult() {
		t.Error("HasToolResult() = true for string content")
	}
}

func TestDecode_UnexpectedContentShape(t *testing.T) {
	ev, ok := Decode(`{"type":"user","message":{"content":7}}`)
	if !ok {
		t.Fatal("Decode() should tolerate odd content shapes")
	}
	if ev.Message.Content.IsText || len(ev.Message.Content.Blocks) != 0 {
		t.Errorf("Content = %+v, want empty", ev.Message.Content)
	}
}

func TestDecode_Result(t *testing.T) {
	ev, ok := Decode(`{"type":"result","subtype":"success","is_error":false,"session_id":"s1","result":"done","total_cost_usd":0.02,"num_turns":1}`)
	if !ok {
		t.Fatal("Decode() ok = false")
	}
	if ev.TotalCostUSD == nil || *ev.TotalCostUSD != 0.02 {
		t.Errorf("TotalCostUSD = %v, want 0.02", ev.TotalCostUSD)
	}
	if ev.NumTurns == nil || *ev.NumTurns != 1 {
		t.Errorf("NumTurns = %v, want 1", ev.NumTurns)
	}
	if ev.Result != "done" || ev.IsError {
		t.Errorf("Result = %q IsError = %v", ev.Result, ev.IsError)
	}
}

func TestBlock_ResultText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"string", `"ok"`, "ok"},
		{"missing", ``, ""},
		{"null", `null`, ""},
		{"structured", `[ {"type": "text", "text": "x"} ]`, `[{"type":"text","text":"x"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Block{Type: BlockToolResult, Content: json.RawMessage(tt.content)}
			if got := b.ResultText(); got != tt.want {
				t.Errorf("ResultText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBlock_ToolInputDefault(t *testing.T) {
	b := Block{Type: BlockToolUse, ID: "tc"}
	if got := string(b.ToolInput()); got != "{}" {
		t.Errorf("ToolInput() = %q, want {}", got)
	}
}

func TestContent_MarshalRoundTrip(t *testing.T) {
	c := Content{Text: "hello", IsText: true}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `"hello"` {
		t.Errorf("Marshal() = %s, want \"hello\"", data)
	}
}
