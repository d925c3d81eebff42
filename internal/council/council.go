package council

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"arena/internal/llm"
	"arena/internal/model"
	"arena/pkg/exception"
)

const (
	NoCommentary  = "no commentary available"
	maxShareBytes = 4000
	maxScore      = 10
)

// Completer is the part of the LLM gateway the council needs.
type Completer interface {
	Call(ctx context.Context, messages []llm.Message, maxTokens int, temperature float64) (string, bool)
}

// Score is the council's judgement of a shared insight.
type Score struct {
	Value   int
	Message string
}

// Council grades insights agents share and narrates epoch results.
type Council struct {
	llm Completer
}

func New(c Completer) *Council {
	return &Council{llm: c}
}

const sharePrompt = "You are the council of a trading arena. Rate the usefulness of the " +
	"following market insight from 0 to 10. Reply with the number first, then one short sentence."

var firstInt = regexp.MustCompile(`-?\d+`)

// Share scores text from 0 to 10. When no provider answers the score is 0.
func (c *Council) Share(ctx context.Context, agentID, text string) (Score, error) {
	text = strings.TrimSpace(text)
	if text == "" || len(text) > maxShareBytes {
		return Score{}, exception.ErrInvalidArgument
	}
	if c == nil || c.llm == nil {
		return Score{Message: NoCommentary}, nil
	}

	reply, ok := c.llm.Call(ctx, []llm.Message{
		{Role: "system", Content: sharePrompt},
		{Role: "user", Content: fmt.Sprintf("agent %s says: %s", agentID, text)},
	}, 64, 0.2)
	if !ok {
		return Score{Message: NoCommentary}, nil
	}
	return Score{Value: parseScore(reply), Message: strings.TrimSpace(reply)}, nil
}

func parseScore(reply string) int {
	m := firstInt.FindString(reply)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil || n < 0 {
		return 0
	}
	if n > maxScore {
		return maxScore
	}
	return n
}

const epochPrompt = "You are the narrator of a trading arena. Summarize the epoch result in two sentences."

// Commentary narrates a closed epoch. It returns "" when no provider answers.
func (c *Council) Commentary(ctx context.Context, e model.Epoch) string {
	if c == nil || c.llm == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "epoch %d\n", e.Number)
	for i, r := range e.Rankings {
		if i == 5 {
			fmt.Fprintf(&b, "... %d more\n", len(e.Rankings)-i)
			break
		}
		fmt.Fprintf(&b, "#%d %s %s%%\n", r.Rank, r.AgentID, r.PnLPercent.Shift(2).StringFixed(2))
	}
	if len(e.Eliminated) > 0 {
		fmt.Fprintf(&b, "eliminated: %s\n", strings.Join(e.Eliminated, ", "))
	}
	for _, s := range e.Signals {
		fmt.Fprintf(&b, "tag %s: %s (%s)\n", s.Tag, s.Verdict, s.Contribution.StringFixed(2))
	}

	reply, ok := c.llm.Call(ctx, []llm.Message{
		{Role: "system", Content: epochPrompt},
		{Role: "user", Content: b.String()},
	}, 160, 0.7)
	if !ok {
		return ""
	}
	return strings.TrimSpace(reply)
}
