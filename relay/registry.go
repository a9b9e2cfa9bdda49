package relay

import (
	"sync"
)

// Registry 网关连接注册表：gateway_id → 在线连接。
// 同一 gateway_id 后注册者覆盖先注册者；被覆盖的连接不在这里强制关闭，
// 其读循环失败后自会清理（带身份保护，见 Remove）。
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry 创建连接注册表
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
	}
}

// Register 登记连接，同 id 覆盖；返回被覆盖的旧连接（没有则为 nil）
func (r *Registry) Register(gatewayID string, c *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[gatewayID]
	r.conns[gatewayID] = c
	return prev
}

// Get 返回在线连接
func (r *Registry) Get(gatewayID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[gatewayID]
	return c, ok
}

// Remove 注销连接。仅当映射仍指向 c 时删除：
// 被新连接覆盖后，旧连接的延迟清理不得把新连接注销掉。
func (r *Registry) Remove(gatewayID string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[gatewayID]; ok && cur == c {
		delete(r.conns, gatewayID)
	}
}

// Count 返回在线连接数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// GatewayIDs 返回当前在线的网关 id 列表
func (r *Registry) GatewayIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}
