package processor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/fleet-management/outbox-relay/pkg/broker"
	"github.com/fleet-management/outbox-relay/pkg/store"
)

// memoryRepository keeps rows in memory and applies outcomes with the same
// "only while pending" guard as the real stores.
type memoryRepository struct {
	mu            sync.Mutex
	rows          map[string]*store.OutboxMessage
	fetchErr      error
	saveErr       error
	countErr      error
	saves         int
	returnStale   bool // FetchPending also returns delivered rows
	lastSaveCtxOK bool
}

func newMemoryRepository(msgs ...store.OutboxMessage) *memoryRepository {
	r := &memoryRepository{rows: make(map[string]*store.OutboxMessage)}
	for i := range msgs {
		msg := msgs[i]
		r.rows[msg.ID] = &msg
	}
	return r
}

func (r *memoryRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (r *memoryRepository) Append(ctx context.Context, msg *store.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *msg
	r.rows[msg.ID] = &copied
	return nil
}

func (r *memoryRepository) FetchPending(ctx context.Context, batchSize int) ([]store.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}

	var out []store.OutboxMessage
	for _, row := range r.rows {
		if row.ProcessedAt == nil || r.returnStale {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > batchSize {
		out = out[:batchSize]
	}
	return out, nil
}

func (r *memoryRepository) SaveOutcomes(ctx context.Context, msgs []store.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	r.lastSaveCtxOK = ctx.Err() == nil
	if r.saveErr != nil {
		return r.saveErr
	}

	for _, msg := range msgs {
		row, ok := r.rows[msg.ID]
		if !ok || row.ProcessedAt != nil {
			continue
		}
		switch {
		case msg.ProcessedAt != nil:
			processedAt := *msg.ProcessedAt
			row.ProcessedAt = &processedAt
			row.LastError = nil
		case msg.LastError != nil:
			cause := *msg.LastError
			row.LastError = &cause
		}
	}
	return nil
}

func (r *memoryRepository) CountPending(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.countErr != nil {
		return 0, r.countErr
	}
	var n int64
	for _, row := range r.rows {
		if row.ProcessedAt == nil {
			n++
		}
	}
	return n, nil
}

func (r *memoryRepository) Close() error { return nil }

func (r *memoryRepository) get(id string) store.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id]
}

func (r *memoryRepository) pending() int {
	n, _ := r.CountPending(context.Background())
	return int(n)
}

func (r *memoryRepository) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

type mockBroker struct {
	mock.Mock
	mu        sync.Mutex
	published []string
}

func (m *mockBroker) Publish(ctx context.Context, msg *broker.Message) error {
	m.mu.Lock()
	m.published = append(m.published, msg.ID)
	m.mu.Unlock()
	return m.Called(ctx, msg).Error(0)
}

func (m *mockBroker) Close() error {
	return nil
}

func (m *mockBroker) publishedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.published...)
}

func withID(id string) interface{} {
	return mock.MatchedBy(func(msg *broker.Message) bool { return msg.ID == id })
}

// outboxRows builds pending rows created one second apart, in order.
func outboxRows(ids ...string) []store.OutboxMessage {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := make([]store.OutboxMessage, 0, len(ids))
	for i, id := range ids {
		rows = append(rows, store.OutboxMessage{
			ID:        id,
			EventType: "telemetry.threshold.alert",
			Payload:   []byte(`{"vehicle":"V-` + id + `"}`),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	return rows
}
