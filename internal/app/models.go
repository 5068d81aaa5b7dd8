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

package app

import (
	"context"
	"fmt"
	"time"

	"record-gate/internal/agent/planner"
	"record-gate/internal/model/llm"
	"record-gate/internal/policy"
	"record-gate/internal/storage/cache"
	"record-gate/pkg/config"
	"record-gate/pkg/log"
)

// NewLLMClientFromConfig 根据 config.Model 创建 LLM 客户端；未配置 provider 时返回 nil
func NewLLMClientFromConfig(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	if cfg == nil || cfg.Model.Provider == "" {
		return nil, nil
	}
	if cfg.Model.APIKey == "" {
		return nil, fmt.Errorf("LLM provider %q 的 api_key 未配置", cfg.Model.Provider)
	}
	return llm.NewClient(ctx, cfg.Model)
}

// NewPlannerFromConfig planner.type=rule|llm；llm 需要已配置的 LLM 客户端
func NewPlannerFromConfig(cfg *config.Config, client llm.Client) (planner.Planner, error) {
	t := "rule"
	if cfg != nil && cfg.Planner.Type != "" {
		t = cfg.Planner.Type
	}
	switch t {
	case "rule":
		return planner.NewRulePlanner(), nil
	case "llm":
		if client == nil {
			return nil, fmt.Errorf("planner.type=llm 需要配置 model.provider")
		}
		return planner.NewLLMPlanner(client), nil
	default:
		return nil, fmt.Errorf("unsupported planner type: %s", t)
	}
}

// NewReasonerFromConfig policy.reasoner=local|llm；llm 时本地授权引擎在前，远端推理经限流与裁决缓存
func NewReasonerFromConfig(ctx context.Context, cfg *config.Config, client llm.Client, logger *log.Logger) (policy.Reasoner, error) {
	local := policy.NewLocalReasoner()
	if cfg == nil || cfg.Policy.Reasoner == "" || cfg.Policy.Reasoner == "local" {
		return local, nil
	}
	if cfg.Policy.Reasoner != "llm" {
		return nil, fmt.Errorf("unsupported policy reasoner: %s", cfg.Policy.Reasoner)
	}
	if client == nil {
		return nil, fmt.Errorf("policy.reasoner=llm 需要配置 model.provider")
	}
	var remote policy.Reasoner = policy.NewRateLimitedReasoner(policy.NewLLMReasoner(client), cfg.RateLimits.Reasoner)
	if cfg.Policy.CacheVerdicts {
		store, err := cache.NewCache(ctx, cfg.Cache)
		if err != nil {
			return nil, fmt.Errorf("初始化裁决缓存失败: %w", err)
		}
		remote = policy.NewCachedReasoner(remote, store, config.ParseDuration(cfg.Policy.CacheTTL, 10*time.Minute))
		logger.Info("策略裁决缓存已启用", "type", cfg.Cache.Type)
	}
	logger.Info("策略推理使用 LLM", "provider", client.Provider(), "model", client.Model())
	return policy.ChainReasoner{local, remote}, nil
}
