package commands

import (
	"context"
	"strings"
	"unicode"

	mw "greekroom/internal/middleware"
)

func init() {
	mw.Register(Commands{})
}

const HelpText = "👋 Welcome to Greek Room Analysis Bot!\n\n" +
	"I can help you analyze biblical texts and translations.\n\n" +
	"📝 *What I can do:*\n" +
	"• Analyze script direction (LTR/RTL)\n" +
	"• Check punctuation styles\n" +
	"• Answer questions about the Bible\n" +
	"• Analyze text files\n\n" +
	"💡 *How to use:*\n" +
	"• Send me a text file to analyze\n" +
	"• Ask questions like:\n" +
	"  - 'What's the script direction?'\n" +
	"  - 'Analyze punctuation'\n" +
	"  - 'Tell me about John 3:16'\n\n" +
	"Type '/clear' to start a new conversation."

const ClearedText = "🗑️ Conversation cleared! Starting fresh."

// Commands answers the bot's chat commands without hitting the LLM.
type Commands struct{}

func (Commands) ID() string    { return "commands" }
func (Commands) Priority() int { return 110 } // run first

// ShouldLoad lets a surface opt out with Context["commands"] = false.
func (Commands) ShouldLoad(_ context.Context, e *mw.Event) bool {
	if e == nil || e.Context == nil {
		return true
	}
	if v, ok := e.Context["commands"].(bool); ok {
		return v
	}
	return true
}

func (Commands) OnEvent(_ context.Context, e *mw.Event) (mw.Decision, error) {
	if e == nil || e.Name != mw.EventBeforeUserMessage {
		return mw.Decision{}, nil
	}
	switch normalize(e.UserText) {
	case "/start", "start", "help", "/help":
		reply := HelpText
		return mw.Decision{Cancel: true, ReplaceText: &reply, Reason: "commands: help"}, nil
	case "/clear", "clear", "reset":
		reply := ClearedText
		return mw.Decision{Cancel: true, ReplaceText: &reply, ResetSession: true, Reason: "commands: clear"}, nil
	}
	return mw.Decision{}, nil
}

// normalize lowercases and drops trailing punctuation so "Help!" still counts.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) && r != '/'
	})
}
