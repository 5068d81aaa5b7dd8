// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// EinoClient 将 eino ChatModel 适配为 Client
type EinoClient struct {
	chat      model.BaseChatModel
	modelName string
}

// NewEinoClient 使用 eino-ext openai ChatModel 创建客户端
func NewEinoClient(ctx context.Context, modelName, apiKey, baseURL string) (*EinoClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("eino chat model: api_key not configured")
	}
	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		Model:   modelName,
		APIKey:  apiKey,
		BaseURL: baseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create eino openai chat model: %w", err)
	}
	return WrapChatModel(cm, modelName), nil
}

// WrapChatModel 包装任意 eino ChatModel
func WrapChatModel(cm model.BaseChatModel, modelName string) *EinoClient {
	return &EinoClient{chat: cm, modelName: modelName}
}

func toSchemaMessages(messages []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		role := schema.User
		switch m.Role {
		case "system":
			role = schema.System
		case "assistant":
			role = schema.Assistant
		}
		out = append(out, &schema.Message{Role: role, Content: m.Content})
	}
	return out
}

// ChatWithContext 多轮消息生成
func (c *EinoClient) ChatWithContext(ctx context.Context, messages []Message, options GenerateOptions) (string, error) {
	var opts []model.Option
	if options.Temperature > 0 {
		opts = append(opts, model.WithTemperature(float32(options.Temperature)))
	}
	if options.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(options.MaxTokens))
	}
	msg, err := c.chat.Generate(ctx, toSchemaMessages(messages), opts...)
	if err != nil {
		return "", fmt.Errorf("eino generate: %w", err)
	}
	if msg == nil {
		return "", fmt.Errorf("eino generate: empty message")
	}
	return msg.Content, nil
}

// GenerateWithContext 单条提示生成
func (c *EinoClient) GenerateWithContext(ctx context.Context, prompt string, options GenerateOptions) (string, error) {
	return c.ChatWithContext(ctx, []Message{{Role: "user", Content: prompt}}, options)
}

func (c *EinoClient) Model() string { return c.modelName }

func (c *EinoClient) Provider() string { return "eino" }
