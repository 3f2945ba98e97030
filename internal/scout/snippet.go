package scout

import (
	"strings"

	"golang.org/x/net/html"
)

// attrs worth keeping for selector inference. Everything else is noise that
// burns prompt budget.
var keepAttrs = map[string]bool{
	"id":    true,
	"class": true,
	"href":  true,
	"role":  true,
}

var dropElements = map[string]bool{
	"script":   true,
	"style":    true,
	"svg":      true,
	"noscript": true,
	"iframe":   true,
	"link":     true,
	"meta":     true,
}

// Snippet compacts page markup for a prompt: scripts, styles, and cosmetic
// attributes are stripped, long text runs are shortened, and the result is
// cut at limit bytes. Structure survives; bulk does not.
func Snippet(raw string, limit int) string {
	var b strings.Builder
	tok := html.NewTokenizer(strings.NewReader(raw))
	skipDepth := 0

	for b.Len() < limit {
		tt := tok.Next()
		if tt == html.ErrorToken {
			break
		}
		t := tok.Token()

		switch tt {
		case html.StartTagToken:
			if dropElements[t.Data] {
				skipDepth++
				continue
			}
			if skipDepth > 0 {
				continue
			}
			writeTag(&b, t)
		case html.SelfClosingTagToken:
			if skipDepth > 0 || dropElements[t.Data] {
				continue
			}
			writeTag(&b, t)
		case html.EndTagToken:
			if dropElements[t.Data] {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if skipDepth > 0 {
				continue
			}
			b.WriteString("</" + t.Data + ">")
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text := strings.Join(strings.Fields(t.Data), " ")
			if text == "" {
				continue
			}
			if r := []rune(text); len(r) > 120 {
				text = string(r[:120]) + "…"
			}
			b.WriteString(text)
		}
	}

	out := b.String()
	if len(out) > limit {
		out = strings.ToValidUTF8(out[:limit], "")
	}
	return out
}

func writeTag(b *strings.Builder, t html.Token) {
	b.WriteString("<" + t.Data)
	for _, a := range t.Attr {
		if keepAttrs[a.Key] {
			b.WriteString(` ` + a.Key + `="` + a.Val + `"`)
		}
	}
	b.WriteString(">")
}
