package document

import (
	"fmt"
	"sync"
)

// Origin 标记一次变更从哪里来。ChangeObserver 只看这个字段决定要不要广播，
// 不依赖任何全局开关。
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
	OriginStorage
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginStorage:
		return "storage"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

// Change 一次 Put/Remove 调用产生的结构化 diff，均以 id 为键
type Change struct {
	Origin  Origin
	Added   map[string]Record
	Updated map[string]Record
	Removed map[string]Record
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type Listener func(Change)

type listenerEntry struct {
	id int
	fn Listener
}

// Store 本地副本，文档内容的唯一来源。
// 监听函数在调用方的 goroutine 上同步执行，监听函数里不能再调用 Put/Remove。
type Store struct {
	// emitMu 保证通知顺序和变更顺序一致
	emitMu sync.Mutex
	mu     sync.RWMutex

	records map[string]Record

	listenersMu sync.RWMutex
	listeners   []listenerEntry
	nextID      int
}

func NewStore() *Store {
	return &Store{records: make(map[string]Record)}
}

// Put 按 id 插入或覆盖。先整体校验，任何一条不合法则全部不应用。
// payload 在写入前转成 JSON 原生类型，调用方之后再改自己手里的值不会影响 store。
// 同一批次里同一个 id 出现多次时以最后一条为准，与调用前的值比较决定是新增、更新还是无变化。
func (s *Store) Put(origin Origin, records ...Record) error {
	normalized := make([]Record, 0, len(records))
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return err
		}
		n, err := r.normalize()
		if err != nil {
			return err
		}
		normalized = append(normalized, n)
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	change := Change{Origin: origin}
	s.mu.Lock()
	// 本次调用之前的值；nil 表示之前不存在
	before := make(map[string]*Record, len(normalized))
	for _, r := range normalized {
		if _, seen := before[r.ID]; !seen {
			if prev, ok := s.records[r.ID]; ok {
				p := prev
				before[r.ID] = &p
			} else {
				before[r.ID] = nil
			}
		}
		s.records[r.ID] = r
	}
	for id, prev := range before {
		cur := s.records[id]
		switch {
		case prev == nil:
			if change.Added == nil {
				change.Added = make(map[string]Record)
			}
			change.Added[id] = cur.Clone()
		case !prev.Equal(cur):
			if change.Updated == nil {
				change.Updated = make(map[string]Record)
			}
			change.Updated[id] = cur.Clone()
		default:
			// 内容没变，保留原来的值
			s.records[id] = *prev
		}
	}
	s.mu.Unlock()

	s.emit(change)
	return nil
}

// Remove 按 id 删除，不存在的 id 忽略
func (s *Store) Remove(origin Origin, ids ...string) error {
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("%w: empty id in remove", ErrInvalidRecord)
		}
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	change := Change{Origin: origin}
	s.mu.Lock()
	for _, id := range ids {
		prev, ok := s.records[id]
		if !ok {
			continue
		}
		delete(s.records, id)
		if change.Removed == nil {
			change.Removed = make(map[string]Record)
		}
		change.Removed[id] = prev
	}
	s.mu.Unlock()

	s.emit(change)
	return nil
}

func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Snapshot, len(s.records))
	for id, r := range s.records {
		out[id] = r.Clone()
	}
	return out
}

// Listen 注册监听，返回注销函数（可重复调用）
func (s *Store) Listen(fn Listener) (unregister func()) {
	s.listenersMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// 调用方必须持有 emitMu
func (s *Store) emit(change Change) {
	if change.Empty() {
		return
	}
	s.listenersMu.RLock()
	ls := make([]Listener, len(s.listeners))
	for i, l := range s.listeners {
		ls[i] = l.fn
	}
	s.listenersMu.RUnlock()

	for _, fn := range ls {
		fn(change)
	}
}
