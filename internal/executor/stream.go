package executor

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

type lineKind int

const (
	lineSkip lineKind = iota
	lineContent
	lineResult
	lineRaw
)

// resultEvent is the executor's final accounting line.
type resultEvent struct {
	Cost         float64
	InputTokens  int64
	OutputTokens int64
	SessionID    string
	IsError      bool
	Text         string
}

type parsedLine struct {
	kind      lineKind
	text      string
	sessionID string
	result    resultEvent
}

// parseLine classifies one line of stream-json output. Anything that is
// not a recognised event comes back as lineRaw so the caller can forward
// it verbatim.
func parseLine(line []byte) parsedLine {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return parsedLine{kind: lineSkip}
	}
	if trimmed[0] != '{' || !gjson.ValidBytes(trimmed) {
		return parsedLine{kind: lineRaw, text: string(line)}
	}
	doc := gjson.ParseBytes(trimmed)
	sessionID := doc.Get("session_id").String()

	switch doc.Get("type").String() {
	case "content", "text":
		return parsedLine{kind: lineContent, text: doc.Get("text").String(), sessionID: sessionID}
	case "assistant":
		var b strings.Builder
		for _, block := range doc.Get("message.content").Array() {
			if block.Get("type").String() == "text" {
				b.WriteString(block.Get("text").String())
			}
		}
		if b.Len() == 0 {
			return parsedLine{kind: lineSkip, sessionID: sessionID}
		}
		text := b.String()
		if !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		return parsedLine{kind: lineContent, text: text, sessionID: sessionID}
	case "result":
		return parsedLine{kind: lineResult, sessionID: sessionID, result: resultEvent{
			Cost:         firstFloat(doc, "total_cost_usd", "cost_usd", "cost"),
			InputTokens:  firstInt(doc, "usage.input_tokens", "input_tokens"),
			OutputTokens: firstInt(doc, "usage.output_tokens", "output_tokens"),
			SessionID:    sessionID,
			IsError:      doc.Get("is_error").Bool(),
			Text:         doc.Get("result").String(),
		}}
	case "system", "user", "tool_use", "tool_result", "ping":
		return parsedLine{kind: lineSkip, sessionID: sessionID}
	}
	return parsedLine{kind: lineRaw, text: string(line)}
}

func firstFloat(doc gjson.Result, paths ...string) float64 {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() {
			return v.Float()
		}
	}
	return 0
}

func firstInt(doc gjson.Result, paths ...string) int64 {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

// readLines calls fn for every newline-terminated line in r. Lines longer
// than max are cut at max and reported with truncated set; the remainder
// of such a line is discarded.
func readLines(r io.Reader, max int, fn func(line []byte, truncated bool)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		buf       []byte
		truncated bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 && !truncated {
			room := max - len(buf)
			if len(chunk) > room {
				buf = append(buf, chunk[:room]...)
				truncated = true
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case err == nil:
			fn(bytes.TrimRight(buf, "\r\n"), truncated)
			buf, truncated = buf[:0], false
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			if len(buf) > 0 {
				fn(bytes.TrimRight(buf, "\r\n"), truncated)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
