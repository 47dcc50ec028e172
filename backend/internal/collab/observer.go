package collab

import (
	"sort"

	"boardsync/backend/internal/document"
)

// ChangeObserver 把 store 的本地变更翻译成 MutationMessage。
// 远端和存储来源的变更按 Origin 过滤掉，不会被再次广播。
type ChangeObserver struct {
	self       Identity
	emit       func(MutationMessage)
	unregister func()
}

func NewChangeObserver(store *document.Store, self Identity, emit func(MutationMessage)) *ChangeObserver {
	o := &ChangeObserver{self: self, emit: emit}
	o.unregister = store.Listen(o.handle)
	return o
}

func (o *ChangeObserver) handle(c document.Change) {
	for _, msg := range o.Classify(c) {
		o.emit(msg)
	}
}

// Classify added+updated 合成一条 put，removed 单独一条 remove，空的不发
func (o *ChangeObserver) Classify(c document.Change) []MutationMessage {
	if c.Origin != document.OriginLocal {
		return nil
	}
	var out []MutationMessage

	if n := len(c.Added) + len(c.Updated); n > 0 {
		records := make([]document.Record, 0, n)
		for _, r := range c.Added {
			records = append(records, r)
		}
		for _, r := range c.Updated {
			records = append(records, r)
		}
		sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
		out = append(out, o.message(KindPut, records, nil))
	}

	if len(c.Removed) > 0 {
		ids := make([]string, 0, len(c.Removed))
		for id := range c.Removed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out = append(out, o.message(KindRemove, nil, ids))
	}
	return out
}

func (o *ChangeObserver) message(kind Kind, records []document.Record, ids []string) MutationMessage {
	return MutationMessage{
		Kind:         kind,
		Records:      records,
		IDs:          ids,
		OriginPeerID: o.self.PeerID,
		OriginName:   o.self.DisplayName,
	}
}

func (o *ChangeObserver) Close() {
	if o.unregister != nil {
		o.unregister()
	}
}
