package collab

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"boardsync/backend/internal/document"
)

const (
	DefaultQuietWindow  = 2 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// SnapshotWriter 持久化接口，store.SnapshotStore 满足它
type SnapshotWriter interface {
	Write(ctx context.Context, docID string, snap document.Snapshot) error
}

type SnapshotProvider func() document.Snapshot

// PersistenceBridge 防抖写快照：quiet window 内再次 Schedule 会重新计时，
// 到期后取一次当前快照写入。写失败只记日志，下次变更自然会重试。
type PersistenceBridge struct {
	docID  string
	writer SnapshotWriter

	clock        clockwork.Clock
	quiet        time.Duration
	writeTimeout time.Duration
	sem          *SemaphoreControl
	logger       *zap.Logger
	onFlush      func(err error)

	mu      sync.Mutex
	timer   clockwork.Timer
	gen     uint64
	pending bool
	stopped bool
}

type BridgeOption func(*PersistenceBridge)

func WithQuietWindow(d time.Duration) BridgeOption {
	return func(b *PersistenceBridge) {
		if d > 0 {
			b.quiet = d
		}
	}
}

func WithClock(c clockwork.Clock) BridgeOption {
	return func(b *PersistenceBridge) { b.clock = c }
}

func WithWriteTimeout(d time.Duration) BridgeOption {
	return func(b *PersistenceBridge) {
		if d > 0 {
			b.writeTimeout = d
		}
	}
}

// WithWriteSemaphore 多个文档共用一个信号量，限制同时写库的数量
func WithWriteSemaphore(sem *SemaphoreControl) BridgeOption {
	return func(b *PersistenceBridge) { b.sem = sem }
}

func WithBridgeLogger(l *zap.Logger) BridgeOption {
	return func(b *PersistenceBridge) { b.logger = l }
}

// WithFlushHook 每次写入结束后调用，err 为 nil 表示成功
func WithFlushHook(fn func(err error)) BridgeOption {
	return func(b *PersistenceBridge) { b.onFlush = fn }
}

func NewPersistenceBridge(docID string, writer SnapshotWriter, opts ...BridgeOption) *PersistenceBridge {
	b := &PersistenceBridge{
		docID:        docID,
		writer:       writer,
		clock:        clockwork.NewRealClock(),
		quiet:        DefaultQuietWindow,
		writeTimeout: defaultWriteTimeout,
		logger:       zap.NewNop(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Schedule 重新开始计时，不阻塞调用方
func (b *PersistenceBridge) Schedule(provider SnapshotProvider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.gen++
	gen := b.gen
	if b.timer != nil {
		b.timer.Stop()
	}
	b.pending = true
	b.timer = b.clock.AfterFunc(b.quiet, func() { b.fire(gen, provider) })
}

// Pending 有未写入的变更（计时中或正在写），对应界面上的 "Saving..."
func (b *PersistenceBridge) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Stop 取消待写入的计时，之后的 Schedule 都被忽略。不会补写。
func (b *PersistenceBridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = false
}

func (b *PersistenceBridge) fire(gen uint64, provider SnapshotProvider) {
	b.mu.Lock()
	// 计时器已被 Stop 或被更新的 Schedule 取代
	if b.stopped || gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.mu.Unlock()

	err := b.write(provider())

	b.mu.Lock()
	if gen == b.gen {
		b.pending = false
	}
	b.mu.Unlock()

	if b.onFlush != nil {
		b.onFlush(err)
	}
}

func (b *PersistenceBridge) write(snap document.Snapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
	defer cancel()

	if b.sem != nil {
		if err := b.sem.Acquire(ctx); err != nil {
			b.logger.Warn("snapshot write skipped", zap.String("doc", b.docID), zap.Error(err))
			return err
		}
		defer b.sem.Release()
	}

	start := time.Now()
	if err := b.writer.Write(ctx, b.docID, snap); err != nil {
		b.logger.Error("snapshot write failed",
			zap.String("doc", b.docID),
			zap.Int("records", len(snap)),
			zap.Error(err))
		return err
	}
	b.logger.Debug("snapshot written",
		zap.String("doc", b.docID),
		zap.Int("records", len(snap)),
		zap.Duration("took", time.Since(start)))
	return nil
}
