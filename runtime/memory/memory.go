// Package memory implements the Memory Manager: a four-layer nested store
// (session ⊂ pattern ⊂ project ⊂ global) with a hand-rolled BM25-like full
// text search over a per-layer inverted index, an isolation filter that
// hides pattern-layer entries from an adversarial reviewer judging that same
// pattern run, and a bounded inject_context fragment builder.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmforge/orchestrator/domain"
)

// Fragment byte budgets for inject_context: each layer
// contributes at most its own budget (project vision excerpts, prior
// sprint retros, top-k global lessons), and the combined fragment never
// exceeds TotalBudget.
const (
	SessionBudget = 3000
	PatternBudget = 2000
	ProjectBudget = 3000
	GlobalBudget  = 3000
	TotalBudget   = 8000
)

// layerRank orders layers for the session > pattern > project > global
// tie-break: lower rank wins a score tie.
var layerRank = map[domain.MemoryLayer]int{
	domain.LayerSession: 0,
	domain.LayerPattern: 1,
	domain.LayerProject: 2,
	domain.LayerGlobal:  3,
}

type (
	// Manager is the Memory Manager: put/search/inject_context over the
	// four nested scopes.
	Manager struct {
		mu   sync.RWMutex
		byID map[string]*domain.MemoryEntry
		// postings: layer -> scope -> term -> entry IDs containing term.
		postings map[domain.MemoryLayer]map[string]map[string][]string
		docLen   map[string]int // entry ID -> token count, for BM25 length normalization
		corrupt  bool           // forces degraded-mode linear scan; never surfaced to callers
		now      func() time.Time
	}

	// SearchQuery parameterizes a Search call.
	SearchQuery struct {
		Text              string
		ReadLayers        []domain.MemoryLayer
		SessionScope      string
		PatternScope      string
		ProjectScope      string
		Limit             int
		ViewerAgentID     string // identifies the reader for the adversarial isolation filter
		ViewerAdversarial bool   // when set, pattern-layer entries for PatternScope are excluded
	}

	// ScoredEntry pairs a MemoryEntry with its BM25-like relevance score.
	ScoredEntry struct {
		Entry domain.MemoryEntry
		Score float64
	}
)

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{
		byID:     make(map[string]*domain.MemoryEntry),
		postings: make(map[domain.MemoryLayer]map[string]map[string][]string),
		docLen:   make(map[string]int),
		now:      time.Now,
	}
}

// Put persists entry (assigning an ID if empty) and indexes its text for
// search. Put never returns an error for a malformed index: if the index has
// been marked corrupt by a prior fault, Put still appends to byID (the
// source of truth for Get/linear scan) and best-effort updates the index.
func (m *Manager) Put(ctx context.Context, entry domain.MemoryEntry) domain.MemoryEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now()
	}
	cp := entry
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[cp.ID] = &cp
	m.indexLocked(cp)
	return cp
}

// ErrWriteForbidden is returned by PutAs when the writing agent lacks the
// may_write_memory permission for the target layer.
var ErrWriteForbidden = errors.New("memory: write forbidden")

// PutAs is Put on behalf of an agent: the write is refused at the manager
// level unless the agent's MayWriteMemory grants the entry's layer, so
// permission enforcement does not rely on caller discipline.
func (m *Manager) PutAs(ctx context.Context, agent domain.AgentDefinition, entry domain.MemoryEntry) (domain.MemoryEntry, error) {
	if !agent.MayWriteMemory[entry.Layer] {
		return domain.MemoryEntry{}, fmt.Errorf("%w: agent %s may not write layer %s", ErrWriteForbidden, agent.ID, entry.Layer)
	}
	return m.Put(ctx, entry), nil
}

func (m *Manager) indexLocked(entry domain.MemoryEntry) {
	defer func() {
		// Index maintenance must never surface a panic to callers; on any
		// unexpected failure, fall back to the always-correct linear scan.
		if r := recover(); r != nil {
			m.corrupt = true
		}
	}()
	terms := tokenize(entry.Text)
	m.docLen[entry.ID] = len(terms)
	scopes, ok := m.postings[entry.Layer]
	if !ok {
		scopes = make(map[string]map[string][]string)
		m.postings[entry.Layer] = scopes
	}
	terms2, ok := scopes[entry.Scope]
	if !ok {
		terms2 = make(map[string][]string)
		scopes[entry.Scope] = terms2
	}
	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		if seen[t] {
			continue
		}
		seen[t] = true
		terms2[t] = append(terms2[t], entry.ID)
	}
}

// Get retrieves one entry by id. Soft-deleted entries are not returned;
// they exist only for journal reconciliation.
func (m *Manager) Get(ctx context.Context, id string) (domain.MemoryEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok || e.SoftDeleted {
		return domain.MemoryEntry{}, false
	}
	return *e, true
}

// ExpireScope soft-deletes every entry of (layer, scopeID). Called when a
// session or pattern run ends; project and global entries are durable and
// are never expired through this path.
func (m *Manager) ExpireScope(ctx context.Context, layer domain.MemoryLayer, scopeID string) int {
	if layer == domain.LayerProject || layer == domain.LayerGlobal {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.byID {
		if e.Layer == layer && e.Scope == scopeID && !e.SoftDeleted {
			e.SoftDeleted = true
			n++
		}
	}
	return n
}

// Search ranks entries across q.ReadLayers using a BM25-like score over the
// per-layer inverted index, falling back to a linear scan of all entries if
// the index is marked corrupt (degraded mode never raises to the caller).
func (m *Manager) Search(ctx context.Context, q SearchQuery) []ScoredEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	var candidates []domain.MemoryEntry
	if m.corrupt {
		candidates = m.linearScanLocked(q)
	} else {
		candidates = m.indexedScanLocked(q)
	}

	queryTerms := tokenize(q.Text)
	scored := make([]ScoredEntry, 0, len(candidates))
	for _, e := range candidates {
		if m.isIsolated(e, q) {
			continue
		}
		score := bm25Score(queryTerms, tokenize(e.Text), m.avgDocLenLocked())
		scored = append(scored, ScoredEntry{Entry: e, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return layerRank[scored[i].Entry.Layer] < layerRank[scored[j].Entry.Layer]
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// isIsolated applies the adversarial isolation filter: a reviewer judging a
// pattern run never sees pattern-layer memory written during that same run,
// preventing a reviewer from reading a participant's private scratch notes.
func (m *Manager) isIsolated(e domain.MemoryEntry, q SearchQuery) bool {
	if !q.ViewerAdversarial || e.Layer != domain.LayerPattern {
		return false
	}
	return q.PatternScope != "" && e.Scope == q.PatternScope
}

func (m *Manager) scopeFor(layer domain.MemoryLayer, q SearchQuery) string {
	switch layer {
	case domain.LayerSession:
		return q.SessionScope
	case domain.LayerPattern:
		return q.PatternScope
	case domain.LayerProject:
		return q.ProjectScope
	default:
		return ""
	}
}

func (m *Manager) indexedScanLocked(q SearchQuery) []domain.MemoryEntry {
	seen := make(map[string]bool)
	var out []domain.MemoryEntry
	for _, layer := range q.ReadLayers {
		scope := m.scopeFor(layer, q)
		scopes := m.postings[layer]
		var ids map[string]bool
		if scope != "" {
			ids = collectIDs(scopes[scope])
		} else {
			ids = make(map[string]bool)
			for _, terms := range scopes {
				for id := range collectIDs(terms) {
					ids[id] = true
				}
			}
		}
		for id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			if e, ok := m.byID[id]; ok && !e.SoftDeleted {
				out = append(out, *e)
			}
		}
	}
	return out
}

func collectIDs(terms map[string][]string) map[string]bool {
	out := make(map[string]bool)
	for _, ids := range terms {
		for _, id := range ids {
			out[id] = true
		}
	}
	return out
}

// linearScanLocked is the degraded-mode fallback used when the inverted
// index has been marked corrupt: it is slower but always structurally
// correct since it reads directly from byID.
func (m *Manager) linearScanLocked(q SearchQuery) []domain.MemoryEntry {
	layers := make(map[domain.MemoryLayer]bool, len(q.ReadLayers))
	for _, l := range q.ReadLayers {
		layers[l] = true
	}
	var out []domain.MemoryEntry
	for _, e := range m.byID {
		if e.SoftDeleted || !layers[e.Layer] {
			continue
		}
		scope := m.scopeFor(e.Layer, q)
		if scope != "" && e.Scope != scope {
			continue
		}
		out = append(out, *e)
	}
	return out
}

func (m *Manager) avgDocLenLocked() float64 {
	if len(m.docLen) == 0 {
		return 1
	}
	total := 0
	for _, l := range m.docLen {
		total += l
	}
	return float64(total) / float64(len(m.docLen))
}

// bm25Score computes the Okapi BM25 relevance of doc against query terms
// using fixed parameters k1=1.2, b=0.75.
func bm25Score(query, doc []string, avgDocLen float64) float64 {
	const k1 = 1.2
	const b = 0.75
	if len(query) == 0 || len(doc) == 0 {
		return 0
	}
	freq := make(map[string]int, len(doc))
	for _, t := range doc {
		freq[t]++
	}
	docLen := float64(len(doc))
	var score float64
	for _, qt := range query {
		f, ok := freq[qt]
		if !ok {
			continue
		}
		tf := float64(f)
		idf := 1.0 // single-document IDF approximation: no global corpus frequency is tracked across scopes
		num := tf * (k1 + 1)
		den := tf + k1*(1-b+b*(docLen/avgDocLen))
		score += idf * (num / den)
	}
	return math.Round(score*1000) / 1000
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return fields
}

// InjectContext assembles a bounded context fragment for a pattern
// participant: up to SessionBudget characters from the session layer,
// PatternBudget from the pattern layer, ProjectBudget from the project
// layer (vision excerpts and prior sprint retros), GlobalBudget from the
// global layer (top-ranked lessons), capped overall at TotalBudget.
func (m *Manager) InjectContext(ctx context.Context, q SearchQuery) string {
	var sb strings.Builder
	budgets := map[domain.MemoryLayer]int{
		domain.LayerSession: SessionBudget,
		domain.LayerPattern: PatternBudget,
		domain.LayerProject: ProjectBudget,
		domain.LayerGlobal:  GlobalBudget,
	}
	for _, layer := range []domain.MemoryLayer{domain.LayerSession, domain.LayerPattern, domain.LayerProject, domain.LayerGlobal} {
		if sb.Len() >= TotalBudget {
			break
		}
		layerQuery := q
		layerQuery.ReadLayers = []domain.MemoryLayer{layer}
		results := m.Search(ctx, layerQuery)
		remaining := budgets[layer]
		for _, r := range results {
			if remaining <= 0 || sb.Len() >= TotalBudget {
				break
			}
			text := r.Entry.Text
			allowed := min3(remaining, TotalBudget-sb.Len(), len(text))
			if allowed <= 0 {
				continue
			}
			sb.WriteString(text[:allowed])
			sb.WriteString("\n")
			remaining -= allowed
		}
	}
	return sb.String()
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
