package gateway

import (
	"sync"
	"time"
)

// RunTable 把智能体的 run id 关联回发起该 run 的终端用户。
// 事件流里只有 run id，回程路由全靠这张表。
// 每条记录带超时：智能体迟迟不出最终结果时触发过期回调，避免永久悬挂。
type RunTable struct {
	mu       sync.Mutex
	entries  map[string]*runEntry
	timeout  time.Duration
	onExpire func(runID, customerID string)

	// 测试注入点
	afterFunc func(d time.Duration, f func()) *time.Timer
}

type runEntry struct {
	customerID string
	timer      *time.Timer
}

// NewRunTable 创建关联表。onExpire 在超时或 Clear 时回调（不含正常 Resolve）。
func NewRunTable(timeout time.Duration, onExpire func(runID, customerID string)) *RunTable {
	return &RunTable{
		entries:   make(map[string]*runEntry),
		timeout:   timeout,
		onExpire:  onExpire,
		afterFunc: time.AfterFunc,
	}
}

// Add 登记一次 run 与用户的关联并启动超时计时
func (t *RunTable) Add(runID, customerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// 同 id 重复登记：覆盖旧记录并停掉旧计时器
	if old, ok := t.entries[runID]; ok {
		old.timer.Stop()
	}

	entry := &runEntry{customerID: customerID}
	entry.timer = t.afterFunc(t.timeout, func() {
		t.expire(runID)
	})
	t.entries[runID] = entry
}

// Resolve 取出并删除关联，返回对应用户；未知 run 返回 ("", false)
func (t *RunTable) Resolve(runID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[runID]
	if !ok {
		return "", false
	}
	entry.timer.Stop()
	delete(t.entries, runID)
	return entry.customerID, true
}

// Len 当前在途 run 数量
func (t *RunTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear 清空全部在途记录，逐条触发过期回调（用于停机时拒绝悬挂请求）
func (t *RunTable) Clear() {
	t.mu.Lock()
	var expired []runEntry
	var ids []string
	for id, entry := range t.entries {
		entry.timer.Stop()
		expired = append(expired, *entry)
		ids = append(ids, id)
	}
	t.entries = make(map[string]*runEntry)
	t.mu.Unlock()

	if t.onExpire != nil {
		for i, id := range ids {
			t.onExpire(id, expired[i].customerID)
		}
	}
}

func (t *RunTable) expire(runID string) {
	t.mu.Lock()
	entry, ok := t.entries[runID]
	if ok {
		delete(t.entries, runID)
	}
	t.mu.Unlock()

	if ok && t.onExpire != nil {
		t.onExpire(runID, entry.customerID)
	}
}
