package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"boardsync/backend/internal/document"
)

var (
	ErrNotFound = errors.New("SNAPSHOT_NOT_FOUND")
	// ErrSnapshotTooLarge 内容超出列长度（MySQL 1406）
	ErrSnapshotTooLarge = errors.New("SNAPSHOT_TOO_LARGE")
)

// SnapshotStore 文档快照的持久化接口，按 docID 整份读写
type SnapshotStore interface {
	Read(ctx context.Context, docID string) (document.Snapshot, error)
	Write(ctx context.Context, docID string, snap document.Snapshot) error
	Delete(ctx context.Context, docID string) error
}

// 库里存的是 id -> record 的 JSON 对象
func encodeSnapshot(snap document.Snapshot) ([]byte, error) {
	if snap == nil {
		snap = document.Snapshot{}
	}
	return json.Marshal(snap)
}

func decodeSnapshot(data []byte) (document.Snapshot, error) {
	snap := document.Snapshot{}
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	for id, r := range snap {
		// 老数据里 key 和 record.id 不一致时以 key 为准
		if r.ID == "" {
			r.ID = id
			snap[id] = r
		}
	}
	return snap, nil
}
