package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/m4xw311/datapilot/errors"
	"github.com/m4xw311/datapilot/session"
	"github.com/m4xw311/datapilot/tools"
	"google.golang.org/api/option"
)

// GeminiClient speaks the Google Gemini API.
type GeminiClient struct {
	client    *genai.Client
	modelName string
}

// NewGeminiClient creates the client. It requires the GEMINI_API_KEY
// environment variable.
func NewGeminiClient(ctx context.Context, modelName string) (*GeminiClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &GeminiClient{client: client, modelName: modelName}, nil
}

// Chat sends the conversation and converts the response into the internal
// message format. Gemini does not mint tool-call ids, so ids are generated
// here; pairing is by name on the way back in.
func (g *GeminiClient) Chat(ctx context.Context, req Request) (*session.Message, error) {
	modelName := g.modelName
	if req.Model != "" {
		modelName = req.Model
	}
	model := g.client.GenerativeModel(modelName)
	model.Tools = toGeminiTools(req.Tools)

	history, systemPrompt := toGeminiContents(req.Messages)
	if systemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	}
	if len(history) == 0 {
		return nil, errors.New("no messages to send to gemini")
	}

	last := history[len(history)-1]
	chat := model.StartChat()
	chat.History = history[:len(history)-1]

	resp, err := chat.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, errors.Wrapf(err, "gemini chat failed")
	}
	return fromGeminiResponse(resp)
}

func toGeminiContents(messages []session.Message) ([]*genai.Content, string) {
	var contents []*genai.Content
	systemPrompt := ""

	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
		case session.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		case session.RoleAssistant:
			var parts []genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Args})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case session.RoleTool:
			contents = append(contents, &genai.Content{
				Role: "function",
				Parts: []genai.Part{genai.FunctionResponse{
					Name:     msg.ToolName,
					Response: map[string]interface{}{"content": msg.Content},
				}},
			})
		}
	}
	return contents, systemPrompt
}

func toGeminiTools(ts []tools.Tool) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	var decls []*genai.FunctionDeclaration
	for _, t := range ts {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  toGeminiSchema(t.Schema()),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func toGeminiSchema(s tools.Schema) *genai.Schema {
	out := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(s.Properties)),
		Required:   s.Required,
	}
	for name, p := range s.Properties {
		out.Properties[name] = toGeminiProperty(p)
	}
	return out
}

func toGeminiProperty(p tools.Property) *genai.Schema {
	g := &genai.Schema{Description: p.Description}
	switch p.Type {
	case "string":
		g.Type = genai.TypeString
	case "number":
		g.Type = genai.TypeNumber
	case "integer":
		g.Type = genai.TypeInteger
	case "boolean":
		g.Type = genai.TypeBoolean
	case "array":
		g.Type = genai.TypeArray
		if p.Items != nil {
			g.Items = toGeminiProperty(*p.Items)
		}
	case "object":
		g.Type = genai.TypeObject
	default:
		g.Type = genai.TypeString
	}
	return g
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) (*session.Message, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("received an empty response from gemini")
	}

	msg := &session.Message{Role: session.RoleAssistant}
	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			msg.Content += string(v)
		case genai.FunctionCall:
			msg.ToolCalls = append(msg.ToolCalls, session.ToolCall{
				ID:   fmt.Sprintf("call_%s", uuid.NewString()[:8]),
				Name: v.Name,
				Args: v.Args,
			})
		default:
			return nil, errors.New("unsupported part type in gemini response: %T", v)
		}
	}
	return msg, nil
}
