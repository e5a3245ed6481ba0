// Package metering turns inbound inference calls into ledger records.
// The Classifier decides which routes are billable, the Interceptor wraps
// them: it opens a task before the backend runs and closes it, with an
// earning on success, once the response has been served.
package metering

import (
	"strings"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/app/earnings"
)

// Class identifies the backend family and operation kind of a call.
type Class struct {
	Family string
	Kind   string
}

// Classifier maps request paths to a Class.
type Classifier struct {
	routes map[string]Class
}

// NewClassifier builds the route table. openaiFamily names the backend
// serving the /openai/* routes (ollama or vllm).
func NewClassifier(openaiFamily string) *Classifier {
	if openaiFamily == "" {
		openaiFamily = earnings.FamilyOllama
	}
	c := &Classifier{routes: make(map[string]Class)}
	for _, prefix := range []string{"/api", "/ollama/api"} {
		c.routes[prefix+"/chat"] = Class{earnings.FamilyOllama, earnings.KindChat}
		c.routes[prefix+"/generate"] = Class{earnings.FamilyOllama, earnings.KindGenerate}
		c.routes[prefix+"/embeddings"] = Class{earnings.FamilyOllama, earnings.KindEmbeddings}
	}
	c.routes["/openai/chat/completions"] = Class{openaiFamily, earnings.KindChatCompletions}
	c.routes["/openai/completions"] = Class{openaiFamily, earnings.KindCompletions}
	c.routes["/openai/embeddings"] = Class{openaiFamily, earnings.KindEmbeddings}
	return c
}

// Classify returns the class of path and whether it is metered at all.
func (c *Classifier) Classify(path string) (Class, bool) {
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	cls, ok := c.routes[path]
	return cls, ok
}

// Routes returns every metered path.
func (c *Classifier) Routes() []string {
	out := make([]string, 0, len(c.routes))
	for p := range c.routes {
		out = append(out, p)
	}
	return out
}
