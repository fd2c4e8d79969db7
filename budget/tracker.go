package budget

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/scttfrdmn/thoughtsearch/thought"
)

// DefaultSession is the session usage is attributed to when the call
// context carries none.
const DefaultSession = "default"

// Cost is the usage record of one generation call.
type Cost struct {
	SessionID        string    `json:"session_id"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Cost             float64   `json:"cost"`
	Timestamp        time.Time `json:"timestamp"`
}

// Usage returns the record as a single-request Usage.
func (c *Cost) Usage() thought.Usage {
	return thought.Usage{
		Requests:         1,
		PromptTokens:     c.PromptTokens,
		CompletionTokens: c.CompletionTokens,
		TotalTokens:      c.TotalTokens,
		Cost:             c.Cost,
	}
}

// Storage is the interface for cost storage backends.
type Storage interface {
	// Store saves a cost record.
	Store(ctx context.Context, cost *Cost) error

	// Query returns the records of sessionID, or of every session when
	// sessionID is empty.
	Query(ctx context.Context, sessionID string) ([]*Cost, error)
}

// InMemoryStorage keeps cost records in memory, indexed by session.
type InMemoryStorage struct {
	mu       sync.RWMutex
	sessions map[string][]*Cost
}

// NewInMemoryStorage creates a new in-memory storage instance.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{sessions: make(map[string][]*Cost)}
}

// Store saves a cost record in memory.
func (s *InMemoryStorage) Store(ctx context.Context, cost *Cost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[cost.SessionID] = append(s.sessions[cost.SessionID], cost)
	return nil
}

// Query returns the stored records of sessionID, or all records.
func (s *InMemoryStorage) Query(ctx context.Context, sessionID string) ([]*Cost, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sessionID != "" {
		return append([]*Cost(nil), s.sessions[sessionID]...), nil
	}
	var all []*Cost
	for _, costs := range s.sessions {
		all = append(all, costs...)
	}
	return all, nil
}

// UsageObserver is told about every recorded call, typically to export it
// as a metric.
type UsageObserver interface {
	ObserveUsage(ctx context.Context, model string, usage thought.Usage)
}

// CostTracker records generation usage per session and globally.
//
// It satisfies the generator's usage recorder: install it on both
// generators and every model call is priced and attributed to the session
// carried by the call context.
//
// Example:
//
//	tracker := budget.NewCostTracker(nil, nil)
//	gen := generation.New(model, generation.WithUsageRecorder(tracker))
//	...
//	usage, _ := tracker.SessionUsage(ctx, sessionID)
//	fmt.Printf("%d tokens, $%.4f\n", usage.TotalTokens, usage.Cost)
type CostTracker struct {
	storage  Storage
	pricing  *ModelPricing
	observer UsageObserver
}

// NewCostTracker creates a tracker. A nil storage keeps records in memory;
// nil pricing uses NewModelPricing.
func NewCostTracker(storage Storage, pricing *ModelPricing) *CostTracker {
	if storage == nil {
		storage = NewInMemoryStorage()
	}
	if pricing == nil {
		pricing = NewModelPricing()
	}
	return &CostTracker{storage: storage, pricing: pricing}
}

// WithObserver sets the observer told about every recorded call.
func (t *CostTracker) WithObserver(observer UsageObserver) *CostTracker {
	t.observer = observer
	return t
}

// Pricing returns the tracker's pricing table.
func (t *CostTracker) Pricing() *ModelPricing {
	return t.pricing
}

// RecordUsage prices usage for model and stores it under the session in
// ctx.
func (t *CostTracker) RecordUsage(ctx context.Context, model string, usage thought.Usage) error {
	sessionID, ok := thought.SessionFromContext(ctx)
	if !ok {
		sessionID = DefaultSession
	}

	cost := &Cost{
		SessionID:        sessionID,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		Cost:             t.pricing.Cost(model, usage.PromptTokens, usage.CompletionTokens),
		Timestamp:        time.Now().UTC(),
	}
	if err := t.storage.Store(ctx, cost); err != nil {
		return err
	}

	if t.observer != nil {
		t.observer.ObserveUsage(ctx, model, cost.Usage())
	}
	return nil
}

// SessionUsage returns the accumulated usage of sessionID.
func (t *CostTracker) SessionUsage(ctx context.Context, sessionID string) (thought.Usage, error) {
	if sessionID == "" {
		sessionID = DefaultSession
	}
	return t.sum(ctx, sessionID)
}

// GlobalUsage returns the accumulated usage of every session.
func (t *CostTracker) GlobalUsage(ctx context.Context) (thought.Usage, error) {
	return t.sum(ctx, "")
}

func (t *CostTracker) sum(ctx context.Context, sessionID string) (thought.Usage, error) {
	costs, err := t.storage.Query(ctx, sessionID)
	if err != nil {
		return thought.Usage{}, err
	}
	var total thought.Usage
	for _, cost := range costs {
		total.Add(cost.Usage())
	}
	return total, nil
}

// ModelUsage is the usage of one model.
type ModelUsage struct {
	Model string        `json:"model"`
	Usage thought.Usage `json:"usage"`
}

// Breakdown returns the usage of sessionID (or of every session when empty)
// per model, most expensive first.
func (t *CostTracker) Breakdown(ctx context.Context, sessionID string) ([]ModelUsage, error) {
	costs, err := t.storage.Query(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	byModel := make(map[string]*thought.Usage)
	for _, cost := range costs {
		usage, ok := byModel[cost.Model]
		if !ok {
			usage = &thought.Usage{}
			byModel[cost.Model] = usage
		}
		usage.Add(cost.Usage())
	}

	results := make([]ModelUsage, 0, len(byModel))
	for model, usage := range byModel {
		results = append(results, ModelUsage{Model: model, Usage: *usage})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Usage.Cost != results[j].Usage.Cost {
			return results[i].Usage.Cost > results[j].Usage.Cost
		}
		return results[i].Usage.TotalTokens > results[j].Usage.TotalTokens
	})
	return results, nil
}
