// Package knowledge 提供研究阶段引用的资料目录。
package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/verkhohliad/chaos-oracle/internal/evidence"
)

const defaultMaxResults = 5

// Provider 定义资料检索的通用接口。
type Provider interface {
	Query(question string) []evidence.Source
}

// Entry 描述目录中的一条资料。Keywords 为空的条目对任何问题都匹配。
type Entry struct {
	URL      string   `json:"url" yaml:"url"`
	Title    string   `json:"title" yaml:"title"`
	Snippet  string   `json:"snippet" yaml:"snippet"`
	Keywords []string `json:"keywords" yaml:"keywords"`
}

// DefaultEntries 是未配置目录文件时使用的占位资料。
func DefaultEntries() []Entry {
	const snippet = "This is a placeholder search result. Replace with real search API."
	return []Entry{
		{URL: "https://example.com/placeholder-source-1", Title: "Placeholder source 1", Snippet: snippet},
		{URL: "https://example.com/placeholder-source-2", Title: "Placeholder source 2", Snippet: snippet},
	}
}

// StaticProvider 在内存中的条目上做关键词匹配。
type StaticProvider struct {
	items      []Entry
	maxResults int
}

// NewStaticProvider 创建静态资料目录。
func NewStaticProvider(items []Entry, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// Load 根据路径加载目录；路径为空时返回占位目录。
// 文件格式为 YAML 或 JSON 数组。
func Load(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return NewStaticProvider(DefaultEntries(), maxResults), nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析资料目录路径失败: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取资料目录失败: %w", err)
	}

	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("解析资料目录失败: %w", err)
	}
	for i, entry := range entries {
		if strings.TrimSpace(entry.URL) == "" {
			return nil, fmt.Errorf("资料目录第 %d 条缺少 url", i+1)
		}
	}
	return NewStaticProvider(entries, maxResults), nil
}

// Query 返回与问题匹配的资料，保持目录顺序。
func (p *StaticProvider) Query(question string) []evidence.Source {
	if p == nil {
		return nil
	}

	question = strings.ToLower(strings.TrimSpace(question))
	results := make([]evidence.Source, 0, p.maxResults)
	for _, item := range p.items {
		if !matches(item, question) {
			continue
		}
		results = append(results, evidence.Source{URL: item.URL, Title: item.Title, Snippet: item.Snippet})
		if len(results) >= p.maxResults {
			break
		}
	}
	return results
}

func matches(entry Entry, question string) bool {
	if len(entry.Keywords) == 0 {
		return true
	}
	for _, keyword := range entry.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(question, normalized) {
			return true
		}
	}
	return false
}

var _ Provider = (*StaticProvider)(nil)
