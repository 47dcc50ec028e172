package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var ErrInvalidRecord = errors.New("INVALID_RECORD")

// Record 是文档里最小的复制单元：按 id 整条替换，不做字段级合并
type Record struct {
	ID      string         `json:"id"`
	TypeTag string         `json:"typeName"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if r.TypeTag == "" {
		return fmt.Errorf("%w: record %s has no typeName", ErrInvalidRecord, r.ID)
	}
	return nil
}

// Clone 深拷贝 payload，store 内外不共享可变的 map/slice
func (r Record) Clone() Record {
	out := Record{ID: r.ID, TypeTag: r.TypeTag}
	if r.Payload != nil {
		out.Payload = cloneValue(r.Payload).(map[string]any)
	}
	return out
}

// Equal 判断两条记录内容是否一致，nil 和空 map 视为相同
func (r Record) Equal(other Record) bool {
	return r.ID == other.ID &&
		r.TypeTag == other.TypeTag &&
		cmp.Equal(r.Payload, other.Payload, cmpopts.EquateEmpty())
}

// normalize 把 payload 转成 JSON 原生类型（map[string]any / []any / float64 / string / bool）。
// 这样本地写入和远端解码出来的记录可以直接比较，Clone 也能完整深拷贝。
func (r Record) normalize() (Record, error) {
	out := Record{ID: r.ID, TypeTag: r.TypeTag}
	if r.Payload == nil {
		return out, nil
	}
	raw, err := json.Marshal(r.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("%w: record %s payload: %v", ErrInvalidRecord, r.ID, err)
	}
	if err := json.Unmarshal(raw, &out.Payload); err != nil {
		return Record{}, fmt.Errorf("%w: record %s payload: %v", ErrInvalidRecord, r.ID, err)
	}
	return out, nil
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, vv := range x {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// Snapshot 某一时刻文档的全部记录，id -> Record
type Snapshot map[string]Record

// Records 按 id 排序返回，便于生成稳定的 full 消息
func (s Snapshot) Records() []Record {
	out := make([]Record, 0, len(s))
	for _, r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for id, r := range s {
		o, ok := other[id]
		if !ok || !r.Equal(o) {
			return false
		}
	}
	return true
}
