package query

import (
	"strconv"
	"strings"
	"unicode"
)

// Format renders n back into user syntax such that Parse(Format(n)) yields n.
func Format(n *Node) string {
	if n == nil {
		return ""
	}
	switch n.Kind {
	case KindTerm:
		return n.Text
	case KindPhrase:
		return `"` + n.Text + `"`
	case KindSite:
		return "site:" + n.Text
	case KindAnd:
		parts := make([]string, len(n.Children))
		for i, c := range n.Children {
			if c.Kind == KindOr {
				parts[i] = "(" + Format(c) + ")"
			} else {
				parts[i] = Format(c)
			}
		}
		return strings.Join(parts, " ")
	case KindOr:
		parts := make([]string, len(n.Children))
		for i, c := range n.Children {
			parts[i] = Format(c)
		}
		return strings.Join(parts, " OR ")
	default:
		return ""
	}
}

// Render emits RediSearch query syntax. Terms become a weighted disjunction
// over title and body; phrases match the body with slop 0 in order; site
// filters become tag equality on domain.
func Render(n *Node, p Profile) string {
	if n == nil {
		return "*"
	}
	return render(n, p, true)
}

func render(n *Node, p Profile, top bool) string {
	switch n.Kind {
	case KindTerm:
		return "((@title:" + n.Text + ") => { $weight: " + weight(p.TitleWeight) + "; } | " +
			"(@body:" + n.Text + ") => { $weight: " + weight(p.BodyWeight) + "; })"
	case KindPhrase:
		return `(@body:"` + escapePhrase(n.Text) + `") => { $weight: ` + weight(p.BodyWeight) + "; $slop: 0; $inorder: true; }"
	case KindSite:
		return "@domain:{" + EscapeTag(n.Text) + "}"
	case KindAnd, KindOr:
		sep := " "
		if n.Kind == KindOr {
			sep = " | "
		}
		parts := make([]string, len(n.Children))
		for i, c := range n.Children {
			parts[i] = render(c, p, false)
		}
		out := strings.Join(parts, sep)
		if top && n.Kind == KindAnd {
			return out
		}
		return "(" + out + ")"
	default:
		return ""
	}
}

func weight(w float64) string {
	return strconv.FormatFloat(w, 'f', -1, 64)
}

// EscapeTag backslash-escapes everything but letters, digits and underscore,
// as the engine's tag syntax requires.
func EscapeTag(s string) string {
	var b strings.Builder
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func escapePhrase(s string) string {
	return strings.NewReplacer(`\`, ` `, `"`, ` `).Replace(s)
}
