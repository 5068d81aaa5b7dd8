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

// Package llm 大模型客户端：OpenAI 兼容 HTTP 客户端与 eino ChatModel 适配
package llm

import (
	"context"
	"fmt"
	"strings"

	"record-gate/pkg/config"
)

// Client LLM 客户端接口
type Client interface {
	// GenerateWithContext 单条提示生成
	GenerateWithContext(ctx context.Context, prompt string, options GenerateOptions) (string, error)
	// ChatWithContext 多轮消息生成
	ChatWithContext(ctx context.Context, messages []Message, options GenerateOptions) (string, error)
	// Model 返回模型名称
	Model() string
	// Provider 返回提供商名称
	Provider() string
}

// GenerateOptions 生成选项
type GenerateOptions struct {
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	TopP        float64  `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Message 聊天消息
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// NewClient 根据配置创建客户端；provider 为空时返回 nil（表示未配置 LLM）
func NewClient(ctx context.Context, cfg config.ModelConfig) (Client, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "openai", "qwen":
		return NewOpenAIClientWithBaseURL(cfg.Model, cfg.APIKey, cfg.BaseURL)
	case "eino":
		return NewEinoClient(ctx, cfg.Model, cfg.APIKey, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}

// ExtractJSON 取回复中第一个 { 到最后一个 } 之间的内容（模型常把 JSON 包在 markdown 中）
func ExtractJSON(reply string) string {
	reply = strings.TrimSpace(reply)
	if idx := strings.Index(reply, "{"); idx >= 0 {
		if end := strings.LastIndex(reply, "}"); end > idx {
			return reply[idx : end+1]
		}
	}
	return reply
}
