package upstream

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// ModelEntry is the OpenAI-shape model record returned by /v1/models.
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the OpenAI-shape listing envelope.
type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// modelMeta is advisory context limits surfaced on single-model lookups.
type modelMeta struct {
	InputTokenLimit  int64 `json:"input_token_limit,omitempty"`
	OutputTokenLimit int64 `json:"output_token_limit,omitempty"`
}

// prefixMeta carries built-in defaults for model families the upstream does
// not always annotate. Advisory only: never blocks a request.
var prefixMeta = []struct {
	prefix string
	meta   modelMeta
}{
	{"gemini-2.5-pro", modelMeta{InputTokenLimit: 1048576, OutputTokenLimit: 65536}},
	{"gemini-2.5-flash", modelMeta{InputTokenLimit: 1048576, OutputTokenLimit: 65536}},
	{"gemini-2.0", modelMeta{InputTokenLimit: 1048576, OutputTokenLimit: 8192}},
	{"gemini-1.5-pro", modelMeta{InputTokenLimit: 2097152, OutputTokenLimit: 8192}},
	{"gemini-1.5", modelMeta{InputTokenLimit: 1048576, OutputTokenLimit: 8192}},
}

// StripModelPrefix removes the upstream resource namespace from a model name.
func StripModelPrefix(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), "models/")
}

// TranslateModelList converts an upstream model listing payload into the
// OpenAI listing shape. Both the vendor shape ({"models":[{"name":…}]}) and
// an already-OpenAI shape ({"data":[{"id":…}]}) are accepted.
func TranslateModelList(payload []byte, now time.Time) ModelList {
	out := ModelList{Object: "list", Data: []ModelEntry{}}
	created := now.Unix()

	rows := gjson.GetBytes(payload, "models")
	if !rows.Exists() {
		rows = gjson.GetBytes(payload, "data")
	}
	seen := make(map[string]struct{})
	rows.ForEach(func(_, row gjson.Result) bool {
		id := StripModelPrefix(row.Get("name").String())
		if id == "" {
			id = StripModelPrefix(row.Get("id").String())
		}
		if id == "" {
			return true
		}
		if _, dup := seen[id]; dup {
			return true
		}
		seen[id] = struct{}{}
		entry := ModelEntry{ID: id, Object: "model", Created: created, OwnedBy: "google"}
		if c := row.Get("created").Int(); c > 0 {
			entry.Created = c
		}
		out.Data = append(out.Data, entry)
		return true
	})
	return out
}

// TranslateModel converts a single upstream model payload into the OpenAI
// shape. The fallback id is used when the payload has no usable name.
func TranslateModel(payload []byte, fallbackID string, now time.Time) ModelEntry {
	id := StripModelPrefix(gjson.GetBytes(payload, "name").String())
	if id == "" {
		id = StripModelPrefix(gjson.GetBytes(payload, "id").String())
	}
	if id == "" {
		id = fallbackID
	}
	entry := ModelEntry{ID: id, Object: "model", Created: now.Unix(), OwnedBy: "google"}
	if c := gjson.GetBytes(payload, "created").Int(); c > 0 {
		entry.Created = c
	}
	return entry
}

const catalogTTL = time.Hour

// Catalog caches advisory model metadata extracted from listing responses so
// single-model lookups can be enriched without a second upstream round trip.
type Catalog struct {
	mu      sync.RWMutex
	meta    map[string]modelMeta
	refresh time.Time
	now     func() time.Time
}

func NewCatalog() *Catalog {
	return &Catalog{meta: make(map[string]modelMeta), now: time.Now}
}

// Absorb harvests token-limit metadata from an upstream listing payload.
func (c *Catalog) Absorb(payload []byte) {
	rows := gjson.GetBytes(payload, "models")
	if !rows.Exists() {
		return
	}
	harvested := make(map[string]modelMeta)
	rows.ForEach(func(_, row gjson.Result) bool {
		id := StripModelPrefix(row.Get("name").String())
		if id == "" {
			return true
		}
		m := modelMeta{
			InputTokenLimit:  row.Get("inputTokenLimit").Int(),
			OutputTokenLimit: row.Get("outputTokenLimit").Int(),
		}
		if m.InputTokenLimit > 0 || m.OutputTokenLimit > 0 {
			harvested[id] = m
		}
		return true
	})
	if len(harvested) == 0 {
		return
	}
	c.mu.Lock()
	c.meta = harvested
	c.refresh = c.now()
	c.mu.Unlock()
}

// Lookup returns cached metadata for a model id, falling back to the built-in
// prefix defaults. The boolean reports whether anything useful was found.
func (c *Catalog) Lookup(id string) (modelMeta, bool) {
	c.mu.RLock()
	m, ok := c.meta[id]
	fresh := c.now().Sub(c.refresh) < catalogTTL
	c.mu.RUnlock()
	if ok && fresh {
		return m, true
	}
	for _, p := range prefixMeta {
		if strings.HasPrefix(id, p.prefix) {
			return p.meta, true
		}
	}
	return modelMeta{}, false
}

// EnrichModelJSON marshals a model entry, attaching advisory metadata when
// the catalog knows the model.
func (c *Catalog) EnrichModelJSON(entry ModelEntry) []byte {
	meta, ok := c.Lookup(entry.ID)
	if !ok {
		data, _ := json.Marshal(entry)
		return data
	}
	enriched := struct {
		ModelEntry
		modelMeta
	}{entry, meta}
	data, _ := json.Marshal(enriched)
	return data
}
