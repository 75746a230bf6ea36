package infrastructure

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ordersaga/internal/service/order/domain"
)

// MemoryRepository 是 SagaRepository 和 DeadLetterRepository 的内存实现，用于本地运行和测试。
// 读写都做深拷贝，调用方拿到的对象不会与存储共享。
type MemoryRepository struct {
	mu          sync.RWMutex
	sagas       map[string]*domain.SagaInstance
	orders      map[string]*domain.Order
	processed   map[string]struct{}
	transitions map[string][]domain.TransitionRecord
	outbox      []domain.OutboxEntry
	commandIDs  map[string]struct{}
	deadLetters []domain.DeadLetter
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sagas:       make(map[string]*domain.SagaInstance),
		orders:      make(map[string]*domain.Order),
		processed:   make(map[string]struct{}),
		transitions: make(map[string][]domain.TransitionRecord),
		commandIDs:  make(map[string]struct{}),
	}
}

func (r *MemoryRepository) Load(_ context.Context, orderID string) (*domain.SagaInstance, *domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sg, ok := r.sagas[orderID]
	if !ok {
		return nil, nil, domain.ErrSagaNotFound
	}
	return sg.Clone(), r.orders[orderID].Clone(), nil
}

func (r *MemoryRepository) IsProcessed(_ context.Context, messageID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.processed[messageID]
	return ok, nil
}

func (r *MemoryRepository) Commit(_ context.Context, uow domain.UnitOfWork) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.processed[uow.MessageID]; dup {
		return domain.ErrDuplicateMessage
	}
	var current int64
	if sg, ok := r.sagas[uow.Saga.OrderID]; ok {
		current = sg.Version
	}
	if current != uow.ExpectedVersion {
		return domain.ErrConcurrentModification
	}
	// 与 saga_outbox.command_id 的唯一索引一致
	batch := make(map[string]struct{}, len(uow.Outbox))
	for _, e := range uow.Outbox {
		_, stored := r.commandIDs[e.Command.ID]
		_, repeated := batch[e.Command.ID]
		if stored || repeated {
			return fmt.Errorf("outbox command %s (%s) already exists", e.Command.ID, e.Command.IdempotencyKey)
		}
		batch[e.Command.ID] = struct{}{}
	}

	sg := uow.Saga.Clone()
	sg.Version = current + 1
	uow.Saga.Version = sg.Version
	r.sagas[sg.OrderID] = sg
	r.orders[sg.OrderID] = uow.Order.Clone()
	r.processed[uow.MessageID] = struct{}{}
	r.transitions[sg.OrderID] = append(r.transitions[sg.OrderID], uow.Transitions...)
	r.outbox = append(r.outbox, uow.Outbox...)
	for id := range batch {
		r.commandIDs[id] = struct{}{}
	}
	return nil
}

func (r *MemoryRepository) PendingOutbox(_ context.Context, before time.Time, limit int) ([]domain.OutboxEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.OutboxEntry
	for _, e := range r.outbox {
		if e.DispatchedAt != nil || !e.CreatedAt.Before(before) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) MarkDispatched(_ context.Context, commandIDs []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make(map[string]struct{}, len(commandIDs))
	for _, id := range commandIDs {
		ids[id] = struct{}{}
	}
	for i := range r.outbox {
		if _, ok := ids[r.outbox[i].Command.ID]; ok && r.outbox[i].DispatchedAt == nil {
			t := at
			r.outbox[i].DispatchedAt = &t
		}
	}
	return nil
}

func (r *MemoryRepository) ArmedTimers(_ context.Context) ([]domain.Timer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Timer
	for _, sg := range r.sagas {
		if t, ok := sg.ArmedTimer(); ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

func (r *MemoryRepository) Transitions(_ context.Context, orderID string) ([]domain.TransitionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.TransitionRecord(nil), r.transitions[orderID]...), nil
}

// Outbox 返回全部 outbox 记录的副本。
func (r *MemoryRepository) Outbox() []domain.OutboxEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.OutboxEntry(nil), r.outbox...)
}

func (r *MemoryRepository) Save(_ context.Context, dl *domain.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.deadLetters {
		if existing.ID == dl.ID {
			return nil
		}
	}
	r.deadLetters = append(r.deadLetters, *dl)
	return nil
}

// List 按创建时间倒序返回。
func (r *MemoryRepository) List(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.DeadLetter, 0, len(r.deadLetters))
	for i := len(r.deadLetters) - 1; i >= 0; i-- {
		out = append(out, r.deadLetters[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*domain.DeadLetter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, dl := range r.deadLetters {
		if dl.ID == id {
			c := dl
			return &c, nil
		}
	}
	return nil, domain.ErrDeadLetterNotFound
}

func (r *MemoryRepository) MarkReplayed(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.deadLetters {
		if r.deadLetters[i].ID == id {
			t := at
			r.deadLetters[i].ReplayedAt = &t
			return nil
		}
	}
	return domain.ErrDeadLetterNotFound
}
