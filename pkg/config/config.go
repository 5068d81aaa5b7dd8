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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Planner    PlannerConfig    `mapstructure:"planner"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Session    SessionConfig    `mapstructure:"session"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Directory  DirectoryConfig  `mapstructure:"directory"`
	Model      ModelConfig      `mapstructure:"model"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Redaction  RedactionConfig  `mapstructure:"redaction"`
	RateLimits RateLimitsConfig `mapstructure:"rate_limits"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	Timeout    string           `mapstructure:"timeout"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// MiddlewareConfig 中间件配置；Auth 关闭时请求体中的 principal_id 即调用者身份
type MiddlewareConfig struct {
	Auth          bool              `mapstructure:"auth"`
	JWTKey        string            `mapstructure:"jwt_key"`
	JWTTimeout    string            `mapstructure:"jwt_timeout"`
	JWTMaxRefresh string            `mapstructure:"jwt_max_refresh"`
	Roles         map[string]string `mapstructure:"roles"` // principal_id -> admin | auditor | clinician
}

// PlannerConfig 规划器选择
type PlannerConfig struct {
	Type string `mapstructure:"type"` // rule | llm
}

// PolicyConfig 策略规则源与推理配置
type PolicyConfig struct {
	Path           string `mapstructure:"path"`
	Watch          bool   `mapstructure:"watch"`
	Reasoner       string `mapstructure:"reasoner"` // local | llm
	MaxCorrections int    `mapstructure:"max_corrections"`
	CacheVerdicts  bool   `mapstructure:"cache_verdicts"`
	CacheTTL       string `mapstructure:"cache_ttl"`
}

// ExecutorConfig 执行器超时与重试
type ExecutorConfig struct {
	StepTimeout     string `mapstructure:"step_timeout"`
	ReasonerTimeout string `mapstructure:"reasoner_timeout"`
	MaxRetries      int    `mapstructure:"max_retries"`
	Backoff         string `mapstructure:"backoff"`
	MaxBackoff      string `mapstructure:"max_backoff"`
	PostValidate    *bool  `mapstructure:"post_validate"`
}

// SessionConfig 会话存储配置
type SessionConfig struct {
	Type          string `mapstructure:"type"` // memory | postgres | redis | sqlite
	DSN           string `mapstructure:"dsn"`
	Path          string `mapstructure:"path"` // sqlite 文件
	Addr          string `mapstructure:"addr"` // redis 地址
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	TTL           string `mapstructure:"ttl"`
	HistoryLimit  int    `mapstructure:"history_limit"`
	SweepInterval string `mapstructure:"sweep_interval"`
}

// AuditConfig 审计日志存储配置
type AuditConfig struct {
	Type string     `mapstructure:"type"` // memory | postgres | sqlite
	DSN  string     `mapstructure:"dsn"`
	Path string     `mapstructure:"path"`
	NATS NATSConfig `mapstructure:"nats"`
}

// NATSConfig 审计镜像（可选）
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// DirectoryConfig 临床目录（医生/患者/同意书/病历）数据源
type DirectoryConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`
	Seed bool   `mapstructure:"seed"` // postgres 为空库时写入演示数据
}

// ModelConfig LLM 配置；Provider 为 eino 时走 eino openai ChatModel
type ModelConfig struct {
	Provider string `mapstructure:"provider"` // openai | eino
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
}

// CacheConfig 缓存配置（策略裁决缓存）
type CacheConfig struct {
	Type     string `mapstructure:"type"`
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// SecretsConfig 密钥来源
type SecretsConfig struct {
	Provider   string `mapstructure:"provider"` // memory | env | vault
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// RedactionConfig 审计查询脱敏
type RedactionConfig struct {
	Enable bool                 `mapstructure:"enable"`
	Salt   string               `mapstructure:"salt"`
	Fields []RedactionFieldRule `mapstructure:"fields"`
}

// RedactionFieldRule 单字段脱敏规则
type RedactionFieldRule struct {
	Path string `mapstructure:"path"`
	Mode string `mapstructure:"mode"` // redact | hash | remove
}

// RateLimitsConfig 限流配置
type RateLimitsConfig struct {
	Reasoner ReasonerRateLimitConfig `mapstructure:"reasoner"`
}

// ReasonerRateLimitConfig 策略推理服务限流
type ReasonerRateLimitConfig struct {
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
	Burst             int     `mapstructure:"burst"`
	MaxConcurrent     int     `mapstructure:"max_concurrent"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.middleware.jwt_timeout", "1h")
	v.SetDefault("api.middleware.jwt_max_refresh", "1h")
	v.SetDefault("planner.type", "rule")
	v.SetDefault("policy.reasoner", "local")
	v.SetDefault("policy.max_corrections", 2)
	v.SetDefault("policy.cache_ttl", "10m")
	v.SetDefault("executor.step_timeout", "10s")
	v.SetDefault("executor.reasoner_timeout", "15s")
	v.SetDefault("executor.max_retries", 2)
	v.SetDefault("executor.backoff", "200ms")
	v.SetDefault("executor.max_backoff", "2s")
	v.SetDefault("session.type", "memory")
	v.SetDefault("session.ttl", "12h")
	v.SetDefault("session.history_limit", 5)
	v.SetDefault("session.sweep_interval", "10m")
	v.SetDefault("audit.type", "memory")
	v.SetDefault("audit.nats.subject", "gate.audit")
	v.SetDefault("directory.type", "memory")
	v.SetDefault("cache.type", "memory")
	v.SetDefault("secrets.provider", "env")
	v.SetDefault("rate_limits.reasoner.requests_per_minute", 60)
	v.SetDefault("rate_limits.reasoner.burst", 5)
	v.SetDefault("rate_limits.reasoner.max_concurrent", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitoring.prometheus.enable", true)
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

// Default 返回仅含默认值的配置（无配置文件时使用）
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

// expandEnv 将 "${VAR}" 形式替换为环境变量值；变量未设置时保留原值
func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return s
	}
	if val := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")); val != "" {
		return val
	}
	return s
}

// replaceEnvVars 替换配置中的环境变量
func replaceEnvVars(config *Config) {
	config.Model.APIKey = expandEnv(config.Model.APIKey)
	config.Session.DSN = expandEnv(config.Session.DSN)
	config.Audit.DSN = expandEnv(config.Audit.DSN)
	config.Directory.DSN = expandEnv(config.Directory.DSN)
	config.Cache.Password = expandEnv(config.Cache.Password)
	config.Session.Password = expandEnv(config.Session.Password)
	config.Secrets.Token = expandEnv(config.Secrets.Token)
	config.API.Middleware.JWTKey = expandEnv(config.API.Middleware.JWTKey)
	config.Redaction.Salt = expandEnv(config.Redaction.Salt)
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}

// ParseDuration 解析时长字符串，空或非法时返回 def
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
