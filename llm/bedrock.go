package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/m4xw311/datapilot/errors"
	"github.com/m4xw311/datapilot/session"
	"github.com/m4xw311/datapilot/tools"
)

// BedrockClient runs Anthropic models via AWS Bedrock. Credentials come from
// the standard AWS environment/config chain.
type BedrockClient struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockClient creates the client.
func NewBedrockClient(ctx context.Context, modelID string) (*BedrockClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	return &BedrockClient{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// Chat sends the conversation and converts the response into the internal
// message format.
func (b *BedrockClient) Chat(ctx context.Context, req Request) (*session.Message, error) {
	modelID := b.modelID
	if req.Model != "" {
		modelID = req.Model
	}

	body, err := buildBedrockRequest(req.Messages, req.Tools)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build bedrock request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to invoke bedrock model")
	}
	return parseBedrockResponse(resp.Body)
}

// buildBedrockRequest assembles the anthropic-on-bedrock JSON body.
func buildBedrockRequest(messages []session.Message, ts []tools.Tool) ([]byte, error) {
	var body []map[string]interface{}
	systemPrompt := ""

	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
		case session.RoleUser:
			body = append(body, map[string]interface{}{
				"role":    "user",
				"content": []map[string]interface{}{{"type": "text", "text": msg.Content}},
			})
		case session.RoleAssistant:
			var blocks []map[string]interface{}
			if msg.Content != "" {
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": tc.Args,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			body = append(body, map[string]interface{}{"role": "assistant", "content": blocks})
		case session.RoleTool:
			body = append(body, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
				}},
			})
		}
	}

	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        4096,
		"messages":          body,
	}
	if systemPrompt != "" {
		request["system"] = systemPrompt
	}
	if len(ts) > 0 {
		var toolDefs []map[string]interface{}
		for _, t := range ts {
			toolDefs = append(toolDefs, map[string]interface{}{
				"name":         t.Name(),
				"description":  t.Description(),
				"input_schema": t.Schema().AsMap(),
			})
		}
		request["tools"] = toolDefs
	}

	return json.Marshal(request)
}

func parseBedrockResponse(body []byte) (*session.Message, error) {
	var response map[string]interface{}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal bedrock response")
	}
	if errMsg, ok := response["error"]; ok {
		return nil, errors.New("bedrock API error: %v", errMsg)
	}

	content, ok := response["content"].([]interface{})
	if !ok {
		return &session.Message{Role: session.RoleAssistant}, nil
	}

	msg := &session.Message{Role: session.RoleAssistant}
	fallbackID := 0
	for _, item := range content {
		block, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			if text, ok := block["text"].(string); ok {
				msg.Content += text
			}
		case "tool_use":
			name, _ := block["name"].(string)
			input, _ := block["input"].(map[string]interface{})
			if name == "" {
				continue
			}
			id, _ := block["id"].(string)
			if id == "" {
				id = fmt.Sprintf("call_%d_%s", fallbackID, name)
				fallbackID++
			}
			msg.ToolCalls = append(msg.ToolCalls, session.ToolCall{ID: id, Name: name, Args: input})
		}
	}
	return msg, nil
}
