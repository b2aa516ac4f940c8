package tools

import "github.com/nextlevelbuilder/beaver/internal/providers"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content sent to the LLM
	ForUser string `json:"for_user,omitempty"` // content shown to the user
	IsError bool   `json:"is_error"`
	Err     error  `json:"-"` // internal error (not serialized)

	// Usage holds token usage from tools that make internal LLM calls (digest_content).
	Usage *providers.Usage `json:"-"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
