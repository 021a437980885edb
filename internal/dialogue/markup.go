package dialogue

import "strings"

const (
	toolCallOpenTag  = "<tool_call>"
	toolCallCloseTag = "</tool_call>"
)

// markupGate filters streamed text so embedded <tool_call> blocks never reach speech.
// Text that could be the start of an opening tag is held until the next delta.
type markupGate struct {
	buf    string
	inside bool
}

func (g *markupGate) Write(delta string) string {
	g.buf += delta
	var out strings.Builder
	for {
		if g.inside {
			i := strings.Index(g.buf, toolCallCloseTag)
			if i < 0 {
				if keep := len(toolCallCloseTag) - 1; len(g.buf) > keep {
					g.buf = g.buf[len(g.buf)-keep:]
				}
				return out.String()
			}
			g.buf = g.buf[i+len(toolCallCloseTag):]
			g.inside = false
			continue
		}
		if i := strings.Index(g.buf, toolCallOpenTag); i >= 0 {
			out.WriteString(g.buf[:i])
			g.buf = g.buf[i+len(toolCallOpenTag):]
			g.inside = true
			continue
		}
		keep := partialTagSuffix(g.buf, toolCallOpenTag)
		out.WriteString(g.buf[:len(g.buf)-keep])
		g.buf = g.buf[len(g.buf)-keep:]
		return out.String()
	}
}

// Close releases held text. An unterminated block is dropped.
func (g *markupGate) Close() string {
	if g.inside {
		g.buf = ""
		return ""
	}
	out := g.buf
	g.buf = ""
	return out
}

func partialTagSuffix(s, tag string) int {
	max := len(tag) - 1
	if len(s) < max {
		max = len(s)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(s, tag[:k]) {
			return k
		}
	}
	return 0
}
