// Package history bounds conversation histories.
package history

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"logosrelay/internal/models"
)

// Mode selects how a history is bounded.
type Mode string

const (
	// ModeTurns keeps the last Limit turns.
	ModeTurns Mode = "turns"
	// ModeChars keeps the newest turns whose transcript fits in Limit characters.
	ModeChars Mode = "chars"
)

const (
	DefaultTurnLimit = 10
	DefaultCharLimit = 10000
)

// Policy is fixed per deployment and applied after every update.
type Policy struct {
	Mode  Mode
	Limit int
}

// ParsePolicy validates a mode/limit pair from configuration. A zero limit
// selects the mode default.
func ParsePolicy(mode string, limit int) (Policy, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(mode)))
	switch m {
	case "", ModeTurns:
		if limit <= 0 {
			limit = DefaultTurnLimit
		}
		return Policy{Mode: ModeTurns, Limit: limit}, nil
	case ModeChars:
		if limit <= 0 {
			limit = DefaultCharLimit
		}
		return Policy{Mode: ModeChars, Limit: limit}, nil
	default:
		return Policy{}, fmt.Errorf("unknown history mode %q", mode)
	}
}

// Trim returns the newest part of msgs that satisfies the policy. Oldest
// turns are evicted first and order is preserved. The result never aliases msgs.
func (p Policy) Trim(msgs []models.Message) []models.Message {
	if p.Limit <= 0 {
		return models.CloneMessages(msgs)
	}
	switch p.Mode {
	case ModeChars:
		return trimChars(msgs, p.Limit)
	default:
		if len(msgs) > p.Limit {
			msgs = msgs[len(msgs)-p.Limit:]
		}
		return models.CloneMessages(msgs)
	}
}

// Exceeds reports whether msgs is over the policy cap.
func (p Policy) Exceeds(msgs []models.Message) bool {
	if p.Limit <= 0 {
		return false
	}
	if p.Mode == ModeChars {
		return TranscriptLen(msgs) > p.Limit
	}
	return len(msgs) > p.Limit
}

// prefixLen is the width of the "U: " / "A: " marker Transcript puts on each turn.
const prefixLen = 3

// trimChars keeps the newest turns whose rendered transcript, prefixes and
// separating newlines included, fits in limit characters.
func trimChars(msgs []models.Message, limit int) []models.Message {
	total := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		n := utf8.RuneCountInString(msgs[i].Content) + prefixLen
		if start < len(msgs) {
			n++
		}
		if total+n > limit {
			break
		}
		total += n
		start = i
	}
	out := models.CloneMessages(msgs[start:])
	// The newest turn alone is over the cap: keep its tail.
	if len(out) == 0 && len(msgs) > 0 && limit > prefixLen {
		last := msgs[len(msgs)-1]
		last.Content = Tail(last.Content, limit-prefixLen)
		out = []models.Message{last}
	}
	return out
}

// CharCount sums the rune counts of every turn's content.
func CharCount(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += utf8.RuneCountInString(m.Content)
	}
	return total
}

// TranscriptLen is the rune length of Transcript(msgs) without building it.
func TranscriptLen(msgs []models.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	return CharCount(msgs) + len(msgs)*prefixLen + len(msgs) - 1
}

// Truncate keeps at most max runes from the start of s.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

// Tail keeps at most max runes from the end of s.
func Tail(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := utf8.RuneCountInString(s)
	if n <= max {
		return s
	}
	r := []rune(s)
	return string(r[n-max:])
}

// Last returns the last n turns of msgs, or all of them when n is larger.
func Last(msgs []models.Message, n int) []models.Message {
	if n <= 0 {
		return nil
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return models.CloneMessages(msgs)
}

// Transcript renders msgs as the compact "U: / A:" text used for context
// estimation.
func Transcript(msgs []models.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		switch m.Role {
		case models.RoleUser:
			b.WriteString("U: ")
		case models.RoleAssistant:
			b.WriteString("A: ")
		default:
			b.WriteString("S: ")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}
