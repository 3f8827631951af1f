package llm

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

const maxLineBytes = 1 << 20

// Paths tried, in order, for the content delta of one fragment.
var contentPaths = []string{
	"message.content",         // Ollama /api/chat
	"choices.0.delta.content", // OpenAI-compatible SSE
}

// Aggregate reads a newline-delimited stream and returns the concatenated
// content, trimmed, or Placeholder when nothing was produced. Read errors
// end the stream early.
func Aggregate(r io.Reader) string {
	reply, _ := aggregate(r)
	return reply
}

func aggregate(r io.Reader) (string, error) {
	var sb strings.Builder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for sc.Scan() {
		sb.WriteString(fragment(sc.Bytes()))
	}

	reply := strings.TrimSpace(sb.String())
	if reply == "" {
		reply = Placeholder
	}
	return reply, sc.Err()
}

// fragment extracts the content delta from one line; malformed lines, SSE
// keep-alives and the [DONE] sentinel yield "".
func fragment(line []byte) string {
	line = bytes.TrimSpace(line)
	line = bytes.TrimPrefix(line, []byte("data:"))
	line = bytes.TrimSpace(line)
	if len(line) == 0 || !gjson.ValidBytes(line) {
		return ""
	}
	for _, path := range contentPaths {
		if v := gjson.GetBytes(line, path); v.Exists() {
			return v.String()
		}
	}
	return ""
}
