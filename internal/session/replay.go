// internal/session/replay.go
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/switchboard/internal/types"
)

// ReplayMarker opens the injected replay block so backends and humans can
// tell replayed history from the live prompt.
const ReplayMarker = "[conversation replay]"

const (
	// DefaultReplayEvents bounds how many trailing events are considered.
	DefaultReplayEvents = 40
	// DefaultReplayChars bounds the rendered block's size in characters.
	DefaultReplayChars = 16000

	replayEncoding = "cl100k_base"
)

// ReplayBudget bounds the replay block injected on resumption. The block
// must satisfy every configured bound at once; truncation keeps the most
// recent history.
type ReplayBudget struct {
	MaxEvents int
	MaxChars  int
	// MaxTokens optionally adds a token bound on top of the character one.
	// Zero disables it.
	MaxTokens int

	enc *tiktoken.Tiktoken
}

// DefaultReplayBudget returns the stock 40-event, 16000-character budget.
func DefaultReplayBudget() *ReplayBudget {
	return &ReplayBudget{MaxEvents: DefaultReplayEvents, MaxChars: DefaultReplayChars}
}

// tokens counts BPE tokens in s, lazily loading the encoder. Counting
// failures fall back to a character estimate so resumption never blocks on
// the tokenizer.
func (b *ReplayBudget) tokens(s string) int {
	if b.enc == nil {
		enc, err := tiktoken.GetEncoding(replayEncoding)
		if err != nil {
			slog.Warn("token encoder unavailable, estimating", "error", err)
			return len(s) / 4
		}
		b.enc = enc
	}
	return len(b.enc.Encode(s, nil, nil))
}

// Build renders the trailing events into a bounded replay block. Only
// completed items carry conversational content; lifecycle and delta events
// are skipped. Returns "" when there is nothing to replay.
func (b *ReplayBudget) Build(tail []*types.Event) string {
	lines := renderLines(tail)
	if len(lines) == 0 {
		return ""
	}

	if b.MaxEvents > 0 && len(lines) > b.MaxEvents {
		lines = lines[len(lines)-b.MaxEvents:]
	}

	// Walk newest to oldest, keeping lines while every bound still holds,
	// then restore chronological order.
	budget := b.MaxChars - len(ReplayMarker) - 1
	var kept []string
	chars := 0
	tokens := 0
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		cost := len(line) + 1
		if b.MaxChars > 0 && chars+cost > budget {
			break
		}
		if b.MaxTokens > 0 {
			t := b.tokens(line)
			if tokens+t > b.MaxTokens {
				break
			}
			tokens += t
		}
		chars += cost
		kept = append(kept, line)
	}
	if len(kept) == 0 {
		return ""
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	var sb strings.Builder
	sb.WriteString(ReplayMarker)
	for _, line := range kept {
		sb.WriteByte('\n')
		sb.WriteString(line)
	}
	return sb.String()
}

// renderLines extracts one "role: text" line per completed item.
func renderLines(tail []*types.Event) []string {
	var lines []string
	for _, ev := range tail {
		if ev.Type != types.EventItemCompleted {
			continue
		}
		var data types.ItemData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			continue
		}
		item := data.Item
		if item.Kind != types.ItemMessage {
			continue
		}
		text := item.Text()
		if text == "" {
			continue
		}
		role := string(item.Role)
		if role == "" {
			role = "assistant"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", role, text))
	}
	return lines
}
