package executor

import (
	"strings"
	"testing"
)

func TestParseLine(t *testing.T) {
	cases := []struct {
		name string
		line string
		kind lineKind
		text string
	}{
		{"blank", "   ", lineSkip, ""},
		{"content", `{"type":"content","text":"hi"}`, lineContent, "hi"},
		{"assistant text blocks", `{"type":"assistant","message":{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}}`, lineContent, "ab\n"},
		{"assistant tool only", `{"type":"assistant","message":{"content":[{"type":"tool_use"}]}}`, lineSkip, ""},
		{"system", `{"type":"system","subtype":"init"}`, lineSkip, ""},
		{"not json", "hello", lineRaw, "hello"},
		{"truncated json", `{"type":"content"`, lineRaw, `{"type":"content"`},
		{"unknown type", `{"type":"weird"}`, lineRaw, `{"type":"weird"}`},
		{"json array", `[1,2]`, lineRaw, `[1,2]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := parseLine([]byte(tc.line))
			if p.kind != tc.kind || p.text != tc.text {
				t.Fatalf("parseLine(%q) = %v %q", tc.line, p.kind, p.text)
			}
		})
	}
}

func TestParseLine_ResultFieldVariants(t *testing.T) {
	p := parseLine([]byte(`{"type":"result","cost_usd":1.5,"usage":{"input_tokens":7,"output_tokens":3},"session_id":"s"}`))
	if p.kind != lineResult || p.result.Cost != 1.5 || p.result.InputTokens != 7 || p.result.OutputTokens != 3 || p.result.SessionID != "s" {
		t.Fatalf("got %+v", p)
	}
	p = parseLine([]byte(`{"type":"result","total_cost_usd":0.3,"cost":9}`))
	if p.result.Cost != 0.3 {
		t.Fatalf("total_cost_usd should take precedence, got %v", p.result.Cost)
	}
}

func TestReadLines_LongLineTruncated(t *testing.T) {
	input := strings.Repeat("x", 100) + "\nshort\nno-newline"
	var (
		lines     []string
		truncated []bool
	)
	err := readLines(strings.NewReader(input), 10, func(line []byte, cut bool) {
		lines = append(lines, string(line))
		truncated = append(truncated, cut)
	})
	if err != nil {
		t.Fatalf("readLines: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if lines[0] != strings.Repeat("x", 10) || !truncated[0] {
		t.Fatalf("first = %q cut=%v", lines[0], truncated[0])
	}
	if lines[1] != "short" || truncated[1] || lines[2] != "no-newline" {
		t.Fatalf("rest = %q %v", lines[1:], truncated[1:])
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 5}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defgh"))
	if b.String() != "defgh" {
		t.Fatalf("tail = %q", b.String())
	}
}
