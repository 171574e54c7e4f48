package llm

import (
	"sort"

	"github.com/thoughtmap/pkg/models"
)

// Role of a chat message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn sent to a model
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// BuildHistory flattens qas in ascending timestamp order into user/assistant turns and
// appends question as the final user turn. qas is not modified.
func BuildHistory(qas []models.QA, question string) []Message {
	ordered := append([]models.QA(nil), qas...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp < ordered[j].Timestamp
	})

	history := make([]Message, 0, len(ordered)*2+1)
	for _, qa := range ordered {
		history = append(history,
			Message{Role: RoleUser, Content: qa.Question},
			Message{Role: RoleAssistant, Content: qa.Answer},
		)
	}
	return append(history, Message{Role: RoleUser, Content: question})
}

// WithSystem prepends a system prompt to history
func WithSystem(prompt string, history []Message) []Message {
	out := make([]Message, 0, len(history)+1)
	out = append(out, Message{Role: RoleSystem, Content: prompt})
	return append(out, history...)
}
