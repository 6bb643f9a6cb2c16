package provider

// SplitMessage cuts text into consecutive chunks of at most limit
// characters. Every chunk but the last is exactly limit characters long.
//
// Characters are Unicode code points. Telegram measures its 4096 limit in
// UTF-16 code units, so a chunk heavy in characters outside the Basic
// Multilingual Plane (most emoji) can still be rejected as too long.
func SplitMessage(text string, limit int) []string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}
	chunks := make([]string, 0, (len(runes)+limit-1)/limit)
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// Truncate keeps the first maxChars code points of s. Like SplitMessage it
// does not account for Telegram counting UTF-16 code units.
func Truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
