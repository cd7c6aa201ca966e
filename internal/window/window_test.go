package window

import (
	"os"
	"strings"
	"testing"

	"greekroom/internal/chat"
)

// unitCounter charges one token per message so tests read as message counts.
type unitCounter struct{}

func (unitCounter) Count(chat.Message) int { return 1 }

func sys() chat.Message           { return chat.Message{Role: chat.RoleSystem, Content: "sys"} }
func user(s string) chat.Message  { return chat.Message{Role: chat.RoleUser, Content: s} }
func reply(s string) chat.Message { return chat.Message{Role: chat.RoleAssistant, Content: s} }
func calls(ids ...string) chat.Message {
	m := chat.Message{Role: chat.RoleAssistant}
	for _, id := range ids {
		m.ToolCalls = append(m.ToolCalls, chat.ToolCall{ID: id, Name: "t"})
	}
	return m
}
func result(id string) chat.Message {
	return chat.Message{Role: chat.RoleTool, ToolCallID: id, Name: "t", Content: "r"}
}

func contents(msgs []chat.Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		switch {
		case m.Role == chat.RoleTool:
			parts[i] = "tool:" + m.ToolCallID
		case len(m.ToolCalls) > 0:
			parts[i] = "calls"
		default:
			parts[i] = m.Content
		}
	}
	return strings.Join(parts, ",")
}

func TestGroupMessagesKeepsToolExchangesTogether(t *testing.T) {
	msgs := []chat.Message{user("q"), calls("a", "b"), result("a"), result("b"), reply("done")}
	groups := GroupMessages(msgs)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %+v", groups)
	}
	g := groups[1]
	if g.Kind != GroupToolExchange || g.Start != 1 || g.End != 4 {
		t.Fatalf("unexpected exchange group %+v", g)
	}
}

func TestApplyWithoutLimitsReturnsHistory(t *testing.T) {
	h := []chat.Message{sys(), user("a"), reply("b")}
	out := NewPolicy(0, 0, unitCounter{}, nil).Apply(h)
	if contents(out) != "sys,a,b" {
		t.Fatalf("unexpected view %s", contents(out))
	}
}

func TestApplyMessageCapKeepsSystemAndNewest(t *testing.T) {
	h := []chat.Message{sys(), user("u1"), reply("a1"), user("u2"), reply("a2"), user("u3")}
	out := NewPolicy(0, 3, unitCounter{}, nil).Apply(h)
	if got := contents(out); got != "sys,a2,u3" {
		t.Fatalf("unexpected view %s", got)
	}
	if len(h) != 6 {
		t.Fatalf("input history must not be modified")
	}
}

func TestApplyNeverSplitsToolExchange(t *testing.T) {
	h := []chat.Message{sys(), user("u1"), calls("a", "b"), result("a"), result("b"), reply("final"), user("u2")}

	// Budget of 4 fits sys + final + u2, but the exchange (3 messages) would
	// push it over, so it is dropped whole.
	out := NewPolicy(4, 0, unitCounter{}, nil).Apply(h)
	if got := contents(out); got != "sys,final,u2" {
		t.Fatalf("unexpected view %s", got)
	}

	out = NewPolicy(6, 0, unitCounter{}, nil).Apply(h)
	if got := contents(out); got != "sys,calls,tool:a,tool:b,final,u2" {
		t.Fatalf("unexpected view %s", got)
	}
}

func TestApplyKeepsQuestionOfCurrentTurn(t *testing.T) {
	big := func(id string) chat.Message {
		m := result(id)
		m.Content = strings.Repeat("x", 400)
		return m
	}
	h := []chat.Message{sys(), user("older"), reply("older answer"), user("analyze John 3:16"), calls("a"), big("a"), calls("b"), big("b")}

	out, stats := NewPolicy(150, 0, HeuristicCounter{}, nil).Prepare(h)
	if got := contents(out); got != "sys,analyze John 3:16,calls,tool:a,calls,tool:b" {
		t.Fatalf("unexpected view %s", got)
	}
	if !stats.OverBudgetNewest || stats.SkippedGroups != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestApplyAlwaysSendsNewestGroup(t *testing.T) {
	h := []chat.Message{sys(), user("old"), user(strings.Repeat("x", 400))}
	out, stats := NewPolicy(10, 0, HeuristicCounter{}, nil).Prepare(h)
	if len(out) != 2 || out[0].Role != chat.RoleSystem || out[1].Content != h[2].Content {
		t.Fatalf("expected system prompt and newest message, got %s", contents(out))
	}
	if !stats.OverBudgetNewest || stats.SkippedGroups != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestHeuristicCounter(t *testing.T) {
	c := HeuristicCounter{}
	if got := c.Count(user("")); got != messageOverhead {
		t.Fatalf("empty message should cost overhead only, got %d", got)
	}
	if got := c.Count(user("abcdefgh")); got != messageOverhead+2 {
		t.Fatalf("expected 2 tokens for 8 runes, got %d", got)
	}
	m := chat.Message{Role: chat.RoleAssistant, ToolCalls: []chat.ToolCall{{Name: "abcd", RawArguments: `{"k":1}`}}}
	if got := c.Count(m); got != messageOverhead+1+2 {
		t.Fatalf("unexpected tool call cost %d", got)
	}
}

func TestTiktokenCounter(t *testing.T) {
	// The vocabulary is fetched on first use.
	if os.Getenv("GREEKROOM_TIKTOKEN_TEST") == "" {
		t.Skip("set GREEKROOM_TIKTOKEN_TEST=1 to load the BPE vocabulary")
	}
	c, err := NewTiktokenCounter("gpt-4", "")
	if err != nil {
		t.Fatalf("load counter: %v", err)
	}
	if got := c.Count(user("hello world")); got <= messageOverhead {
		t.Fatalf("expected tokens beyond overhead, got %d", got)
	}
}
