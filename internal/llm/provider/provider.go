// Package provider selects an llm.Client implementation from configuration.
package provider

import (
	"fmt"
	"strings"

	"github.com/verkhohliad/chaos-oracle/internal/config"
	"github.com/verkhohliad/chaos-oracle/internal/llm"
	"github.com/verkhohliad/chaos-oracle/internal/llm/anthropic"
	"github.com/verkhohliad/chaos-oracle/internal/llm/openai"
)

// New 根据 provider 字段创建大模型客户端。对应凭证为空时返回
// llm.ErrNotConfigured，调用方据此退回到不依赖模型的策略。
func New(cfg config.LLMConfig) (llm.Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai":
		if strings.TrimSpace(cfg.OpenAI.APIKey) == "" {
			return nil, llm.ErrNotConfigured
		}
		return openai.NewClient(openai.Config{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.OpenAI.Timeout(),
		})
	case "anthropic":
		if strings.TrimSpace(cfg.Anthropic.APIKey) == "" {
			return nil, llm.ErrNotConfigured
		}
		return anthropic.NewClient(anthropic.Config{
			APIKey:     cfg.Anthropic.APIKey,
			BaseURL:    cfg.Anthropic.BaseURL,
			Model:      cfg.Anthropic.Model,
			MaxTokens:  cfg.Anthropic.MaxTokens,
			Timeout:    cfg.Anthropic.Timeout(),
			MaxRetries: -1,
		})
	case "none":
		return nil, llm.ErrNotConfigured
	default:
		return nil, fmt.Errorf("未知的大模型提供方: %s", cfg.Provider)
	}
}
