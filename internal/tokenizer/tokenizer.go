// Package tokenizer estimates token counts for the pre-flight size check.
// The strategy is a fixed four-runes-per-token heuristic, rounded up per
// text segment, so the same body always yields the same count.
package tokenizer

import (
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const runesPerToken = 4

// CountText estimates tokens for a single text segment.
func CountText(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + runesPerToken - 1) / runesPerToken
}

// CountBody walks a request body and sums the estimate over every text
// segment it recognizes: OpenAI-style messages[*].content (string or typed
// parts) and native-style contents[*].parts[*].text. Bodies that are not
// JSON objects count as zero.
func CountBody(body []byte) int {
	if !gjson.ValidBytes(body) {
		return 0
	}
	total := 0

	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		switch {
		case content.Type == gjson.String:
			total += CountText(content.String())
		case content.IsArray():
			content.ForEach(func(_, part gjson.Result) bool {
				total += CountText(part.Get("text").String())
				return true
			})
		}
		return true
	})

	gjson.GetBytes(body, "contents").ForEach(func(_, content gjson.Result) bool {
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			total += CountText(part.Get("text").String())
			return true
		})
		return true
	})

	gjson.GetBytes(body, "system_instruction.parts").ForEach(func(_, part gjson.Result) bool {
		total += CountText(part.Get("text").String())
		return true
	})

	return total
}

// ExceedsLimit reports whether body's estimate crosses max. A max of zero or
// below disables the check.
func ExceedsLimit(body []byte, max int) (int, bool) {
	if max <= 0 {
		return 0, false
	}
	count := CountBody(body)
	return count, count > max
}
