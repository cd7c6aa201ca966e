package middleware

import (
	"encoding/json"
	"io"
	"math"
	"regexp"
	"time"
	"unicode/utf8"
)

type debugEntry struct {
	Timestamp    string `json:"ts"`
	Event        string `json:"event"`
	SessionID    string `json:"session,omitempty"`
	Turn         int    `json:"turn,omitempty"`
	Tool         string `json:"tool,omitempty"`
	MiddlewareID string `json:"middleware"`
	Priority     int    `json:"priority"`
	Skipped      bool   `json:"skipped,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Cancel       bool   `json:"cancel,omitempty"`
	Reset        bool   `json:"reset,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`

	InputChars   int `json:"in_chars"`
	OutputChars  int `json:"out_chars"`
	InputTokens  int `json:"in_tokens_est"`
	OutputTokens int `json:"out_tokens_est"`
}

// tokenish matches "word-like" chunks (including dotted/slashed technical tokens),
// otherwise falls back to single non-space characters.
var tokenish = regexp.MustCompile(`[\pL\pN]+(?:[._/\\-][\pL\pN]+)*|[^\s]`)

func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	chunks := len(tokenish.FindAllString(s, -1))
	charHeuristic := int(math.Ceil(float64(utf8.RuneCountInString(s)) / 4.0))
	if chunks < charHeuristic {
		return charHeuristic
	}
	return chunks
}

func eventText(e *Event) string {
	if e == nil {
		return ""
	}
	switch e.Name {
	case EventBeforeUserMessage:
		return e.UserText
	case EventBeforeUserReply:
		return e.ReplyText
	default:
		return ""
	}
}

func applyDecisionToEvent(e *Event, dec Decision) {
	if e == nil {
		return
	}
	if dec.OverrideParams != nil && e.Name == EventBeforeCompletion {
		e.Params = dec.OverrideParams
	}
	if dec.ReplaceText == nil {
		return
	}
	switch e.Name {
	case EventBeforeUserMessage:
		e.UserText = *dec.ReplaceText
	case EventBeforeUserReply:
		e.ReplyText = *dec.ReplaceText
	}
}

func (c *Chain) debugLog(e *Event, mw Middleware, skipped bool, inText, outText string, dec Decision) {
	c.debugMu.Lock()
	defer c.debugMu.Unlock()
	if c.debugW == nil {
		return
	}

	entry := debugEntry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		Event:        string(e.Name),
		SessionID:    e.SessionID,
		Turn:         e.Turn,
		Tool:         e.ToolName,
		MiddlewareID: mw.ID(),
		Priority:     mw.Priority(),
		Skipped:      skipped,
		Reason:       dec.Reason,
		Cancel:       dec.Cancel,
		Reset:        dec.ResetSession,
		InputChars:   utf8.RuneCountInString(inText),
		OutputChars:  utf8.RuneCountInString(outText),
		InputTokens:  estimateTokens(inText),
		OutputTokens: estimateTokens(outText),
	}
	if e.Params != nil {
		entry.MaxTokens = e.Params.MaxTokens
	}

	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_, _ = io.WriteString(c.debugW, string(b)+"\n")
}
