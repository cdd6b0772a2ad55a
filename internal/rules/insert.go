package rules

// Token renders an attribute reference as it appears in rule text.
func Token(attr string) string {
	return "{" + attr + "}"
}

// Insert replaces text[selStart:selEnd] with token and returns the new text and
// the collapsed cursor right after the token. Offsets count runes; they are
// clamped to the text and swapped when reversed.
func Insert(text string, selStart, selEnd int, token string) (string, int) {
	r := []rune(text)
	start, end := clamp(selStart, len(r)), clamp(selEnd, len(r))
	if start > end {
		start, end = end, start
	}
	tok := []rune(token)
	out := make([]rune, 0, len(r)-(end-start)+len(tok))
	out = append(out, r[:start]...)
	out = append(out, tok...)
	out = append(out, r[end:]...)
	return string(out), start + len(tok)
}

func clamp(v, n int) int {
	if v < 0 {
		return 0
	}
	if v > n {
		return n
	}
	return v
}
