package memory

// NextSummary applies the rolling summary policy for a newly added entry and
// reports whether the summary changed.
//
// A summary-typed entry replaces the summary outright. An entry of importance
// 7 or more is appended as an "Important:" paragraph. Anything else leaves
// the summary alone. The result is always capped at SummaryCap characters,
// dropping the tail.
func NextSummary(existing string, entry Entry) (string, bool) {
	switch {
	case entry.Metadata.Type == TypeSummary:
		next := TruncateRunes(entry.Content, SummaryCap)
		return next, next != existing
	case entry.Metadata.Importance >= 7:
		next := TruncateRunes(existing+"\n\nImportant: "+entry.Content, SummaryCap)
		return next, next != existing
	default:
		return existing, false
	}
}

// TruncateRunes keeps at most n characters of s.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
