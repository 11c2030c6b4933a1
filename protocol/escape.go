package protocol

import "strings"

// SanitizeText normalizes a text payload that arrived with one layer of
// stray escaping. The transform is idempotent: running it over already
// clean text is a no-op. History matters here — a duplicate-escape bug
// shipped once, so every step below must hold that property.
//
// Steps, in order:
//  1. collapse doubled quote characters until none remain
//  2. turn literal \n sequences into newlines
//  3. strip the remaining backslash layer
//  4. drop one trailing stray code-fence marker
func SanitizeText(s string) string {
	for strings.Contains(s, `""`) {
		s = strings.ReplaceAll(s, `""`, `"`)
	}
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\`, "")
	for strings.HasSuffix(s, "```") {
		s = strings.TrimSuffix(s, "```")
	}
	return s
}
