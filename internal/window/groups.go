// Package window selects the part of a conversation that is sent to the
// model. Stored history is never modified; only the outgoing view shrinks.
package window

import "greekroom/internal/chat"

type GroupKind int

const (
	GroupSingleton GroupKind = iota
	// GroupToolExchange is an assistant message with tool calls followed by
	// the tool messages answering it.
	GroupToolExchange
)

// Group is the span [Start, End) of messages that must be kept or dropped
// together.
type Group struct {
	Kind  GroupKind
	Start int
	End   int
}

// GroupMessages splits msgs into atomic units. An assistant message with tool
// calls always travels with the tool messages that directly follow it, so a
// trimmed view never holds a call without its results or a result without
// its call.
func GroupMessages(msgs []chat.Message) []Group {
	groups := make([]Group, 0, len(msgs))
	for i := 0; i < len(msgs); {
		m := msgs[i]
		if m.Role == chat.RoleAssistant && len(m.ToolCalls) > 0 {
			end := i + 1
			for end < len(msgs) && msgs[end].Role == chat.RoleTool {
				end++
			}
			groups = append(groups, Group{Kind: GroupToolExchange, Start: i, End: end})
			i = end
			continue
		}
		groups = append(groups, Group{Kind: GroupSingleton, Start: i, End: i + 1})
		i++
	}
	return groups
}
