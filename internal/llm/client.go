package llm

import (
	"context"
	"errors"
	"fmt"

	"greekroom/internal/chat"
	"greekroom/internal/middleware"

	"github.com/tmc/langchaingo/llms"
)

// Client adapts a langchaingo model to chat.Completer. It makes exactly one
// request per Complete call.
type Client struct {
	model        llms.Model
	defaultModel string
}

func NewClient(model llms.Model, defaultModel string) *Client {
	return &Client{model: model, defaultModel: defaultModel}
}

var _ chat.Completer = (*Client)(nil)

func (c *Client) Complete(ctx context.Context, history []chat.Message, params *middleware.CompletionParams) (chat.Message, error) {
	if c.model == nil {
		return chat.Message{}, &chat.CompletionError{Cause: errors.New("no completion backend configured")}
	}
	resp, err := c.model.GenerateContent(ctx, toMessageContent(history), c.callOptions(params)...)
	if err != nil {
		return chat.Message{}, &chat.CompletionError{Cause: err}
	}
	if resp == nil || len(resp.Choices) == 0 {
		return chat.Message{}, &chat.CompletionError{Cause: errors.New("empty response from model")}
	}
	return fromChoice(resp.Choices[0]), nil
}

func (c *Client) callOptions(params *middleware.CompletionParams) []llms.CallOption {
	opts := make([]llms.CallOption, 0, 6)
	if c.defaultModel != "" {
		opts = append(opts, llms.WithModel(c.defaultModel))
	}
	if params == nil {
		return opts
	}
	if params.Model != "" {
		opts = append(opts, llms.WithModel(params.Model))
	}
	if params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(*params.Temperature))
	}
	if params.MaxTokens != 0 {
		opts = append(opts, llms.WithMaxTokens(params.MaxTokens))
	}
	if len(params.Tools) > 0 {
		opts = append(opts, llms.WithTools(params.Tools))
		if params.ToolChoice != nil {
			opts = append(opts, llms.WithToolChoice(params.ToolChoice))
		}
	}
	return opts
}

func toMessageContent(history []chat.Message) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case chat.RoleSystem:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, m.Content))
		case chat.RoleUser:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		case chat.RoleAssistant:
			var parts []llms.ContentPart
			if m.Content != "" {
				parts = append(parts, llms.TextPart(m.Content))
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, llms.ToolCall{
					ID:   tc.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.EncodeArguments(),
					},
				})
			}
			if len(parts) == 0 {
				parts = append(parts, llms.TextPart(" "))
			}
			messages = append(messages, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts})
		case chat.RoleTool:
			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{
					llms.ToolCallResponse{
						ToolCallID: m.ToolCallID,
						Name:       m.Name,
						Content:    m.Content,
					},
				},
			})
		}
	}
	return messages
}

func fromChoice(choice *llms.ContentChoice) chat.Message {
	msg := chat.Message{Role: chat.RoleAssistant}
	if choice == nil {
		return msg
	}
	msg.Content = choice.Content
	for i, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		call := chat.ToolCall{
			ID:           id,
			Name:         tc.FunctionCall.Name,
			RawArguments: tc.FunctionCall.Arguments,
		}
		// Undecodable arguments stay raw; the controller reports them as a
		// validation failure for this call only.
		if args, err := chat.ParseArguments(call.RawArguments); err == nil {
			call.Arguments = args
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
	}
	return msg
}
