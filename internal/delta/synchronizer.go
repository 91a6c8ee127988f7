// Package delta はライブ購読の変更バッチを表示中のフィードに差分適用する。
package delta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/dishfeed/internal/feed"
	"github.com/hitoshi/dishfeed/internal/model"
	"github.com/hitoshi/dishfeed/internal/repository"
	"github.com/hitoshi/dishfeed/internal/review"
)

// Subscription は変更バッチの購読ハンドル。
type Subscription interface {
	Events() <-chan model.ChangeBatch
	Close() error
}

// Subscriber は購読を開始する関数。
type Subscriber func(ctx context.Context) (Subscription, error)

// StreamSubscriber はストアの変更購読をreview.Streamとして開始するSubscriberを返す。
func StreamSubscriber(source repository.ReviewChangeSource, q model.ReviewQuery, logger *slog.Logger) Subscriber {
	return func(ctx context.Context) (Subscription, error) {
		return review.Subscribe(ctx, source, q, logger)
	}
}

// FeedSession は差分を適用する先のフィード。
type FeedSession interface {
	ReplaceFromSnapshot(ctx context.Context, records []model.ReviewRecord) feed.View
	Apply(fn func(d *feed.Draft) feed.Update) feed.Update
}

// BatchRecorder は差分適用のメトリクス記録インターフェース。
type BatchRecorder interface {
	RecordDeltaBatch(added, modified, removed int)
}

// State は同期の進行状態。
type State int

const (
	// StateUninitialized は最初のバッチをまだ受け取っていない状態。
	StateUninitialized State = iota
	// StateSnapshotted は最初のバッチで全件を置き換えた状態。
	StateSnapshotted
	// StateStreaming は差分を適用している状態。購読解除まで続く。
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateSnapshotted:
		return "snapshotted"
	case StateStreaming:
		return "streaming"
	}
	return "uninitialized"
}

// Synchronizer はライブ購読を1つ保持し、届いたバッチを順にフィードへ反映する。
// 再接続は購読元（ストアのリスナー）に任せ、ここでは行わない。
type Synchronizer struct {
	subscribe Subscriber
	session   FeedSession
	converter feed.PostConverter
	metrics   BatchRecorder
	logger    *slog.Logger

	mu      sync.Mutex
	state   State
	sub     Subscription
	stopped bool
}

// NewSynchronizer はSynchronizerの新しいインスタンスを生成する。
func NewSynchronizer(subscribe Subscriber, session FeedSession, converter feed.PostConverter, metrics BatchRecorder, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		subscribe: subscribe,
		session:   session,
		converter: converter,
		metrics:   metrics,
		logger:    logger,
	}
}

// State は現在の状態を返す。
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run は購読を開始し、ctxがキャンセルされるかStopが呼ばれるまでバッチを適用し続ける。
// 購読の開始に失敗した場合のみエラーを返す。
func (s *Synchronizer) Run(ctx context.Context) error {
	sub, err := s.subscribe(ctx)
	if err != nil {
		return fmt.Errorf("変更の購読に失敗しました: %w", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		sub.Close()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()
	defer s.Stop()

	s.logger.Info("フィードの差分同期を開始しました")
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-sub.Events():
			if !ok {
				s.logger.Info("変更の購読が終了しました")
				return nil
			}
			s.handle(ctx, batch)
		}
	}
}

// Stop は購読を解除する。複数回呼び出しても安全。
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.sub == nil {
		return
	}
	if err := s.sub.Close(); err != nil {
		s.logger.Warn("変更の購読解除に失敗しました", slog.String("error", err.Error()))
	}
	s.sub = nil
}

func (s *Synchronizer) handle(ctx context.Context, batch model.ChangeBatch) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	// 最初のバッチは全件として扱い、差分処理は行わない
	if state == StateUninitialized || batch.Snapshot {
		s.setState(StateSnapshotted)
		v := s.session.ReplaceFromSnapshot(ctx, batch.Added)
		s.logger.Debug("スナップショットでフィードを置き換えました", slog.Int("posts", len(v.Posts)))
		return
	}

	s.setState(StateStreaming)
	s.metrics.RecordDeltaBatch(len(batch.Added), len(batch.Modified), len(batch.Removed))
	u := s.session.Apply(func(d *feed.Draft) feed.Update {
		return Patch(ctx, s.converter, d, batch)
	})
	s.logger.Debug("差分をフィードに適用しました",
		slog.Int("added", len(batch.Added)),
		slog.Int("modified", len(batch.Modified)),
		slog.Int("removed", len(batch.Removed)),
		slog.Int("changed_posts", len(u.Posts)),
		slog.Int("removed_posts", len(u.Removed)),
	)
}

// setState は状態を進める。Streamingから戻ることはない。
func (s *Synchronizer) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStreaming {
		return
	}
	s.state = next
}
