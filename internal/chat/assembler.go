package chat

import (
	"context"
	"fmt"
	"strings"
)

// Assembler folds recent conversation turns into a size-bounded prompt blob.
type Assembler struct {
	repo       *Repo
	charBudget int
	windowSize int
}

func NewAssembler(repo *Repo, charBudget, windowSize int) *Assembler {
	if charBudget <= 0 {
		charBudget = 5000
	}
	if windowSize <= 0 || windowSize > 100 {
		windowSize = 50
	}
	return &Assembler{repo: repo, charBudget: charBudget, windowSize: windowSize}
}

// BuildPrompt fetches the most recent window of messages, reverses them to
// chronological order and greedily concatenates "{role}: {text}\n" lines
// starting from the oldest, stopping before the character budget would be
// exceeded (never truncating mid-message). extraContext, when non-empty, is
// appended after the history whether or not history is empty. The result
// always ends with a "User: {newMessage}" line.
//
// beforeID > 0 excludes messages at or after that id; the async path uses it
// so the already-persisted user turn does not appear in its own history.
func (a *Assembler) BuildPrompt(ctx context.Context, userID uint64, sessionID string, beforeID uint64, extraContext, newMessage string) (string, error) {
	recentDesc, err := a.repo.ListRecentMessagesDesc(ctx, userID, sessionID, a.windowSize, beforeID)
	if err != nil {
		return "", err
	}

	// reverse to ASC (oldest -> newest)
	var b strings.Builder
	used := 0
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		line := fmt.Sprintf("%s: %s\n", m.Role, m.Content)
		if used+len(line) > a.charBudget {
			break
		}
		b.WriteString(line)
		used += len(line)
	}

	if extraContext != "" {
		b.WriteString(extraContext)
		b.WriteString("\n")
	}

	b.WriteString("User: ")
	b.WriteString(newMessage)
	return b.String(), nil
}

// HistoryBudget reports the configured character budget.
func (a *Assembler) HistoryBudget() int { return a.charBudget }
