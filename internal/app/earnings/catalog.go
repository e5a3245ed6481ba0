// Package earnings computes payouts for metered inference calls.
// A Rate Catalog maps (backend family, operation kind) to token rates; the
// Calculator turns a rate and measured usage into a validated breakdown.
package earnings

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/infra/metrics"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/logging"
)

// Backend families.
const (
	FamilyOllama = "ollama"
	FamilyVLLM   = "vllm"
)

// Operation kinds.
const (
	KindChat            = "chat"
	KindGenerate        = "generate"
	KindEmbeddings      = "embeddings"
	KindChatCompletions = "chat/completions"
	KindCompletions     = "completions"
)

// DefaultRate is returned for any (family, kind) the catalog does not know.
var DefaultRate = domain.Rate{Input: 0.001, Output: 0.002, Base: 0.01}

var (
	textRate      = domain.Rate{Input: 0.001, Output: 0.002, Base: 0.01}
	embeddingRate = domain.Rate{Input: 0.0005, Output: 0, Base: 0.005}
)

// RateEntry is one row of the catalog, as read from config.
type RateEntry struct {
	Family string  `toml:"family"`
	Kind   string  `toml:"kind"`
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
	Base   float64 `toml:"base"`
}

// Rate returns the entry's rate.
func (e RateEntry) Rate() domain.Rate {
	return domain.Rate{Input: e.Input, Output: e.Output, Base: e.Base}
}

type rateKey struct{ family, kind string }

// Catalog is a concurrency-safe rate table.
type Catalog struct {
	mu    sync.RWMutex
	rates map[rateKey]domain.Rate
	log   logrus.FieldLogger
}

// DefaultEntries returns the built-in rate table.
func DefaultEntries() []RateEntry {
	var out []RateEntry
	add := func(family, kind string, r domain.Rate) {
		out = append(out, RateEntry{Family: family, Kind: kind, Input: r.Input, Output: r.Output, Base: r.Base})
	}
	add(FamilyOllama, KindChat, textRate)
	add(FamilyOllama, KindGenerate, textRate)
	for _, fam := range []string{FamilyOllama, FamilyVLLM} {
		add(fam, KindChatCompletions, textRate)
		add(fam, KindCompletions, textRate)
		add(fam, KindEmbeddings, embeddingRate)
	}
	return out
}

// NewCatalog returns a catalog seeded with the built-in table, then
// overridden by entries.
func NewCatalog(log logrus.FieldLogger, entries ...RateEntry) *Catalog {
	c := &Catalog{
		rates: make(map[rateKey]domain.Rate),
		log:   logging.OrDiscard(log).WithField("component", "rates"),
	}
	for _, e := range append(DefaultEntries(), entries...) {
		c.rates[rateKey{e.Family, e.Kind}] = e.Rate()
	}
	return c
}

// Set installs or replaces the rate for (family, kind).
func (c *Catalog) Set(family, kind string, r domain.Rate) {
	c.mu.Lock()
	c.rates[rateKey{family, kind}] = r
	c.mu.Unlock()
}

// Lookup returns the rate for (family, kind). Unknown pairs return
// DefaultRate with found=false and are logged as a classification miss.
func (c *Catalog) Lookup(family, kind string) (rate domain.Rate, found bool) {
	c.mu.RLock()
	r, ok := c.rates[rateKey{family, kind}]
	c.mu.RUnlock()
	if ok {
		return r, true
	}

	metrics.ClassificationMisses.Inc()
	c.log.WithFields(logrus.Fields{
		"family": family,
		"kind":   kind,
	}).WithError(domain.ErrClassificationMiss).Warn("no rate for pair, using default")
	return DefaultRate, false
}

// Entries returns a snapshot of the table.
func (c *Catalog) Entries() []RateEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]RateEntry, 0, len(c.rates))
	for k, r := range c.rates {
		out = append(out, RateEntry{Family: k.family, Kind: k.kind, Input: r.Input, Output: r.Output, Base: r.Base})
	}
	return out
}
