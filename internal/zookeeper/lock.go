// internal/zookeeper/lock.go
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-zookeeper/zk"
)

const (
	lockRoot = "/distributed_locks" // 所有分布式锁的根节点
	lockName = "lock-"
)

// ErrNotLocked 未持有锁时调用 Unlock
var ErrNotLocked = errors.New("zookeeper: lock not held")

// DistributedLock 基于临时顺序节点的互斥锁。
// 编排器的维护任务 (outbox 补发、定时器恢复) 用它保证同一时刻只有一个实例在扫描。
type DistributedLock struct {
	conn     Conn
	path     string // 锁的路径，例如 /distributed_locks/order-saga-outbox
	mu       sync.Mutex
	lockNode string // 成功获取锁后，自己创建的节点路径
}

// NewDistributedLock 创建锁并确保父节点存在。
func NewDistributedLock(conn Conn, resourceID string) (*DistributedLock, error) {
	lockPath := lockRoot + "/" + resourceID
	for _, p := range []string{lockRoot, lockPath} {
		if err := ensureNode(conn, p); err != nil {
			return nil, err
		}
	}
	return &DistributedLock{conn: conn, path: lockPath}, nil
}

func ensureNode(conn Conn, path string) error {
	exists, _, err := conn.Exists(path)
	if err != nil {
		return fmt.Errorf("check node %s: %w", path, err)
	}
	if exists {
		return nil
	}
	if _, err := conn.Create(path, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create node %s: %w", path, err)
	}
	return nil
}

// Lock 阻塞直到获得锁或 ctx 结束。
func (l *DistributedLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lockNode != "" {
		return nil
	}
	node, err := l.createNode()
	if err != nil {
		return err
	}

	for {
		prev, first, err := l.predecessor(node)
		if err != nil {
			_ = l.conn.Delete(node, -1)
			return err
		}
		if first {
			l.lockNode = node
			return nil
		}

		// 只监听前一个节点，避免惊群
		exists, _, events, err := l.conn.ExistsW(l.path + "/" + prev)
		if err != nil {
			_ = l.conn.Delete(node, -1)
			return fmt.Errorf("watch previous node: %w", err)
		}
		if !exists {
			continue
		}
		select {
		case <-events:
		case <-ctx.Done():
			_ = l.conn.Delete(node, -1)
			return ctx.Err()
		}
	}
}

// TryLock 不等待: 拿不到锁时删除自己的节点并返回 false。
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lockNode != "" {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	node, err := l.createNode()
	if err != nil {
		return false, err
	}
	_, first, err := l.predecessor(node)
	if err != nil || !first {
		_ = l.conn.Delete(node, -1)
		return false, err
	}
	l.lockNode = node
	return true, nil
}

// Unlock 释放锁。
func (l *DistributedLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lockNode == "" {
		return ErrNotLocked
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("delete lock node: %w", err)
	}
	l.lockNode = ""
	return nil
}

func (l *DistributedLock) createNode() (string, error) {
	node, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/"+lockName, nil, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", fmt.Errorf("create sequential node: %w", err)
	}
	return node, nil
}

// predecessor 返回排在 node 前面的节点名；first=true 表示 node 是最小节点。
func (l *DistributedLock) predecessor(node string) (string, bool, error) {
	children, _, err := l.conn.Children(l.path)
	if err != nil {
		return "", false, fmt.Errorf("list lock children: %w", err)
	}
	// 受保护节点名带有 GUID 前缀，只能按顺序号排序
	sort.Slice(children, func(i, j int) bool { return sequence(children[i]) < sequence(children[j]) })

	mine := strings.TrimPrefix(node, l.path+"/")
	for i, child := range children {
		if child != mine {
			continue
		}
		if i == 0 {
			return "", true, nil
		}
		return children[i-1], false, nil
	}
	return "", false, fmt.Errorf("lock node %s disappeared", node)
}

// sequence 取节点名末尾的 10 位顺序号。
func sequence(name string) string {
	if len(name) < 10 {
		return name
	}
	return name[len(name)-10:]
}
