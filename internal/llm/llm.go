package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrNotConfigured 表示未配置任何可用的大模型凭证。
var ErrNotConfigured = errors.New("未配置大模型凭证")

// Request 描述一次单轮补全请求。
type Request struct {
	// System 为系统提示词，可为空。
	System string
	Prompt string
	// MaxTokens 为 0 时使用提供方默认值。
	MaxTokens int64
	// JSON 要求模型只输出 JSON 对象。
	JSON bool
}

// Response 是模型返回的文本内容。
type Response struct {
	Content string
	Model   string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// DecodeJSON 从模型回复中提取第一个 JSON 对象并解码到 v。
// 兼容 ```json 代码块以及对象前后的说明文字。
func DecodeJSON(content string, v any) error {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return errors.New("模型回复中没有 JSON 对象")
	}
	return json.Unmarshal([]byte(text[start:end+1]), v)
}
