// internal/pkg/workerpool/dispatcher.go
package workerpool

import (
	"context"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ErrStopped 表示 Dispatcher 已经停止，不再接收任务。
var ErrStopped = errors.New("dispatcher stopped")

// Task 是在 worker 上执行的一个单元。
type Task func(ctx context.Context)

// Dispatcher 把任务按 key 哈希到固定的 worker。
// 同一个 key 的任务在同一个 goroutine 上按提交顺序串行执行，不同 key 之间并行。
type Dispatcher struct {
	queues []chan Task
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
}

// New 启动 workers 个 worker，每个队列容量为 queueSize。
func New(ctx context.Context, workers, queueSize int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{queues: make([]chan Task, workers), cancel: cancel}
	for i := range d.queues {
		q := make(chan Task, queueSize)
		d.queues[i] = q
		d.wg.Add(1)
		go d.run(ctx, q)
	}
	return d
}

func (d *Dispatcher) run(ctx context.Context, q <-chan Task) {
	defer d.wg.Done()
	for task := range q {
		task(ctx)
	}
}

// Workers 返回 worker 数量。
func (d *Dispatcher) Workers() int {
	return len(d.queues)
}

// Slot 返回 key 对应的 worker 下标。
func (d *Dispatcher) Slot(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(d.queues)))
}

// Submit 把任务放入 key 对应的队列。队列满时阻塞 (对消费端形成背压)，ctx 取消时返回。
func (d *Dispatcher) Submit(ctx context.Context, key string, task Task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.queues[d.Slot(key)] <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止接收新任务，等待已入队的任务执行完。
// drain 为 false 时取消传给任务的 ctx，让正在执行的任务尽快退出。
func (d *Dispatcher) Stop(drain bool) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	if !drain {
		d.cancel()
	}
	d.wg.Wait()
	d.cancel()
}
