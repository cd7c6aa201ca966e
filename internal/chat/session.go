package chat

import (
	"errors"
	"strings"
	"sync"
)

// Session is the conversation history for one user or channel. History always
// starts with the system prompt and only Reset truncates it.
type Session struct {
	id           string
	systemPrompt string

	mu         sync.RWMutex
	history    []Message
	attachment string
}

func NewSession(id, systemPrompt string) *Session {
	s := &Session{
		id:           id,
		systemPrompt: systemPrompt,
		history:      make([]Message, 0, 16),
	}
	s.history = append(s.history, Message{Role: RoleSystem, Content: systemPrompt})
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) SystemPrompt() string { return s.systemPrompt }

func (s *Session) AppendUser(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Message{Role: RoleUser, Content: text})
}

// AppendAssistant records a model reply, with or without tool calls.
func (s *Session) AppendAssistant(m Message) error {
	if m.Role == "" {
		m.Role = RoleAssistant
	}
	if m.Role != RoleAssistant {
		return errors.New("append assistant: message role must be assistant")
	}
	m.ToolCallID = ""
	m.Name = ""
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, CloneMessage(m))
	return nil
}

// AppendToolResult records r as a tool message. The call ID must belong to the
// most recent assistant message and only tool messages may sit between them.
func (s *Session) AppendToolResult(r ToolResult) error {
	if strings.TrimSpace(r.ToolCallID) == "" {
		return ErrOrphanToolResult
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.history) - 1; i >= 0; i-- {
		m := s.history[i]
		if m.Role == RoleTool {
			if m.ToolCallID == r.ToolCallID {
				return ErrOrphanToolResult
			}
			continue
		}
		if m.Role != RoleAssistant {
			return ErrOrphanToolResult
		}
		for _, tc := range m.ToolCalls {
			if tc.ID == r.ToolCallID {
				if r.Name == "" {
					r.Name = tc.Name
				}
				s.history = append(s.history, ToolResultMessage(r))
				return nil
			}
		}
		return ErrOrphanToolResult
	}
	return ErrOrphanToolResult
}

// Reset drops everything except the system prompt and forgets any attachment.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = s.history[:0:0]
	s.history = append(s.history, Message{Role: RoleSystem, Content: s.systemPrompt})
	s.attachment = ""
}

// Snapshot returns a deep copy of the history in chronological order.
func (s *Session) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CloneMessages(s.history)
}

func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// SetAttachment remembers a user-supplied file reference until Reset.
func (s *Session) SetAttachment(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachment = strings.TrimSpace(ref)
}

func (s *Session) Attachment() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attachment
}
