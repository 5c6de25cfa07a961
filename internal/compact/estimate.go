package compact

import (
	"encoding/json"

	"pigo/internal/llm"
	"pigo/internal/tree"
)

// Token estimation is deliberately cheap: serialized size divided by an
// average chars-per-token ratio, plus a small per-record overhead for message
// framing. Exact counts come back from the provider as usage; estimates only
// drive cut-point selection and the auto-compaction threshold.
const (
	charsPerToken       = 4
	entryOverheadTokens = 8
)

// EstimateEntry returns the approximate token size of one tree entry.
func EstimateEntry(entry tree.Entry) int {
	raw, err := json.Marshal(entry)
	if err != nil {
		return entryOverheadTokens
	}
	return len(raw)/charsPerToken + entryOverheadTokens
}

// EstimateEntries sums EstimateEntry over a slice.
func EstimateEntries(entries []tree.Entry) int {
	total := 0
	for _, entry := range entries {
		total += EstimateEntry(entry)
	}
	return total
}

// EstimateMessages returns the approximate token size of a model context.
func EstimateMessages(messages []llm.Message) int {
	total := 0
	for _, msg := range messages {
		raw, err := json.Marshal(msg)
		if err != nil {
			total += entryOverheadTokens
			continue
		}
		total += len(raw)/charsPerToken + entryOverheadTokens
	}
	return total
}
