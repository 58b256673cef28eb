package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"ragcore/internal/helper"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is one conversation kept as a JSON file between CLI runs.
type Session struct {
	Path     string    `json:"-"`
	Messages []Message `json:"messages"`
}

// Open reads the session at path. A missing file starts an empty session.
func Open(path string) (*Session, error) {
	s := &Session{Path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to decode chat session %s: %w", path, err)
	}
	return s, nil
}

func (s *Session) Append(role, content string) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content, CreatedAt: time.Now().UTC()})
}

// History converts the stored turns to model messages, oldest first.
// Messages with an unknown role are skipped.
func (s *Session) History() []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(s.Messages))
	for _, m := range s.Messages {
		switch m.Role {
		case RoleUser:
			out = append(out, llms.TextParts(schema.ChatMessageTypeHuman, m.Content))
		case RoleAssistant:
			out = append(out, llms.TextParts(schema.ChatMessageTypeAI, m.Content))
		}
	}
	return out
}

func (s *Session) Save() error {
	if err := helper.CreateFolder(filepath.Dir(s.Path)); err != nil {
		return fmt.Errorf("failed to create chat folder: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.Path, data, 0o644)
}
