package session

import "unicode/utf8"

// TokenEstimator prices a message in model tokens.
type TokenEstimator func(Message) int

// ApproxTokens estimates ceil(bytes/4) over the content and any tool call
// payload. It is a heuristic, not a tokenizer.
func ApproxTokens(m Message) int {
	n := len(m.Content)
	for _, tc := range m.ToolCalls {
		n += len(tc.Name) + len(tc.Arguments)
	}
	return (n + 3) / 4
}

// RuneTokens is an alternative estimator that counts runes instead of bytes,
// useful for scripts where multi-byte characters inflate ApproxTokens.
func RuneTokens(m Message) int {
	n := utf8.RuneCountInString(m.Content)
	for _, tc := range m.ToolCalls {
		n += utf8.RuneCountInString(tc.Name) + utf8.RuneCountInString(tc.Arguments)
	}
	return (n + 3) / 4
}

// Preamble synthesizes the system message for a session. Returning an empty
// string omits the system message.
type Preamble func(Session) string

// BuildPromptMessages returns the optional system message followed by the
// message history, trimmed to the token budget. A nil preamble omits the
// system message.
func (s *Store) BuildPromptMessages(userID string, preamble Preamble) []Message {
	sess := s.GetOrCreate(userID)

	msgs := make([]Message, 0, len(sess.MessageHistory)+1)
	if preamble != nil {
		if text := preamble(sess); text != "" {
			msgs = append(msgs, Message{Role: RoleSystem, Content: text, Timestamp: s.cfg.Clock()})
		}
	}
	msgs = append(msgs, sess.MessageHistory...)

	return TrimToBudget(msgs, s.cfg.TokenBudget, s.cfg.Estimator)
}

// TrimToBudget drops the oldest non-system messages until the estimated total
// fits the budget or only system messages remain. The first system message is
// placed at position 0.
func TrimToBudget(msgs []Message, budget int, estimate TokenEstimator) []Message {
	if estimate == nil {
		estimate = ApproxTokens
	}

	var system *Message
	rest := make([]Message, 0, len(msgs))
	total := 0
	for i := range msgs {
		total += estimate(msgs[i])
		if msgs[i].Role == RoleSystem && system == nil {
			m := msgs[i]
			system = &m
			continue
		}
		rest = append(rest, msgs[i])
	}

	for total > budget {
		idx := -1
		for i := range rest {
			if rest[i].Role != RoleSystem {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		total -= estimate(rest[idx])
		rest = append(rest[:idx], rest[idx+1:]...)
	}

	if system == nil {
		return rest
	}
	return append([]Message{*system}, rest...)
}

// EstimateTotal sums the estimate over msgs.
func EstimateTotal(msgs []Message, estimate TokenEstimator) int {
	if estimate == nil {
		estimate = ApproxTokens
	}
	total := 0
	for _, m := range msgs {
		total += estimate(m)
	}
	return total
}
