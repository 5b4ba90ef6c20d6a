// Package llm abstracts the language model providers used by the research
// and scoring strategies. Providers live in sub-packages and are selected by
// the provider package from configuration.
package llm
