package channel

import (
	"encoding/json"
	"sync"
)

// Handlers 适配器共用的 event -> handler 注册表
type Handlers struct {
	mu sync.RWMutex
	m  map[string][]Handler
}

func (h *Handlers) On(event string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = make(map[string][]Handler)
	}
	h.m[event] = append(h.m[event], fn)
}

// Dispatch 返回是否有 handler 处理了该事件
func (h *Handlers) Dispatch(event string, payload json.RawMessage) bool {
	h.mu.RLock()
	fns := h.m[event]
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(payload)
	}
	return len(fns) > 0
}
