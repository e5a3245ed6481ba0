package metering

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
)

// charsPerToken is the rough size of a token in English text.
const charsPerToken = 4

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int64 {
	return int64(len(text)) / charsPerToken
}

// ─── Request Side ───────────────────────────────────────────────────────────

// requestBody covers the Ollama and OpenAI request shapes we meter.
type requestBody struct {
	Model    string          `json:"model"`
	System   string          `json:"system"`
	Prompt   json.RawMessage `json:"prompt"`
	Input    json.RawMessage `json:"input"`
	Messages []struct {
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

// RequestInfo is what metering learns from a request payload.
type RequestInfo struct {
	Model       string
	InputTokens int64
}

// InspectRequest extracts the model and estimates input tokens from the
// message, prompt, system and embedding-input text of body. Bodies that are
// not JSON yield a zero RequestInfo.
func InspectRequest(body []byte) RequestInfo {
	var req requestBody
	if err := json.Unmarshal(body, &req); err != nil {
		return RequestInfo{}
	}

	var sb strings.Builder
	sb.WriteString(req.System)
	for _, m := range req.Messages {
		sb.WriteString(flattenText(m.Content))
	}
	sb.WriteString(flattenText(req.Prompt))
	sb.WriteString(flattenText(req.Input))

	return RequestInfo{Model: req.Model, InputTokens: EstimateTokens(sb.String())}
}

// flattenText accepts a string, a list of strings, or a list of OpenAI
// content parts ({"type":"text","text":...}) and concatenates the text.
func flattenText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var items []json.RawMessage
	if json.Unmarshal(raw, &items) != nil {
		return ""
	}
	var sb strings.Builder
	for _, item := range items {
		if json.Unmarshal(item, &s) == nil {
			sb.WriteString(s)
			continue
		}
		var part struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(item, &part) == nil {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// ─── Response Side ──────────────────────────────────────────────────────────

// responseChunk covers one Ollama JSON object (whole response or NDJSON
// line) and one OpenAI object (whole response or SSE data payload).
type responseChunk struct {
	// Ollama
	Response string `json:"response"`
	Message  *struct {
		Content string `json:"content"`
	} `json:"message"`
	Done               bool  `json:"done"`
	TotalDuration      int64 `json:"total_duration"`
	LoadDuration       int64 `json:"load_duration"`
	PromptEvalCount    int64 `json:"prompt_eval_count"`
	PromptEvalDuration int64 `json:"prompt_eval_duration"`
	EvalCount          int64 `json:"eval_count"`
	EvalDuration       int64 `json:"eval_duration"`

	// OpenAI
	Choices []struct {
		Text    string `json:"text"`
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// ResponseInfo is what metering learns from a response payload.
type ResponseInfo struct {
	// Text is the generated text seen in the payload.
	Text string
	// Usage holds backend-reported counters, zero when none were reported.
	Usage domain.Usage
	// Reported is true when the backend supplied an output token count.
	Reported bool
}

// OutputTokens prefers the reported count and falls back to estimating
// from the captured text.
func (r ResponseInfo) OutputTokens() int64 {
	if r.Reported {
		return r.Usage.EvalCount
	}
	return EstimateTokens(r.Text)
}

// InspectResponse parses a captured response body. It understands a single
// JSON object, Ollama NDJSON streams and OpenAI SSE streams; for streams the
// text of every chunk is concatenated and the last reported usage wins.
// Anything unparseable is treated as plain text.
func InspectResponse(body []byte) ResponseInfo {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ResponseInfo{}
	}

	var info ResponseInfo
	var sb strings.Builder

	// A single object, possibly pretty-printed across many lines.
	if body[0] == '{' && json.Valid(body) {
		var c responseChunk
		if err := json.Unmarshal(body, &c); err == nil {
			absorb(&info, &sb, c)
			info.Text = sb.String()
			return info
		}
	}

	parsed := false
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if after, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			line = bytes.TrimSpace(after)
		}
		if bytes.Equal(line, []byte("[DONE]")) || line[0] != '{' {
			continue
		}
		var c responseChunk
		if err := json.Unmarshal(line, &c); err != nil {
			continue
		}
		parsed = true
		absorb(&info, &sb, c)
	}

	if !parsed {
		sb.Write(body)
	}
	info.Text = sb.String()
	return info
}

func absorb(info *ResponseInfo, sb *strings.Builder, c responseChunk) {
	sb.WriteString(c.Response)
	if c.Message != nil {
		sb.WriteString(c.Message.Content)
	}
	for _, ch := range c.Choices {
		sb.WriteString(ch.Text)
		if ch.Message != nil {
			sb.WriteString(ch.Message.Content)
		}
		if ch.Delta != nil {
			sb.WriteString(ch.Delta.Content)
		}
	}

	if c.Usage != nil {
		info.Usage.PromptEvalCount = c.Usage.PromptTokens
		info.Usage.EvalCount = c.Usage.CompletionTokens
		info.Reported = true
	}
	if c.Done || c.EvalCount > 0 || c.PromptEvalCount > 0 {
		info.Usage = domain.Usage{
			TotalDuration:      c.TotalDuration,
			LoadDuration:       c.LoadDuration,
			PromptEvalCount:    c.PromptEvalCount,
			PromptEvalDuration: c.PromptEvalDuration,
			EvalCount:          c.EvalCount,
			EvalDuration:       c.EvalDuration,
		}
		info.Reported = c.EvalCount > 0 || c.Done
	}
}
