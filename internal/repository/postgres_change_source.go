package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/hitoshi/dishfeed/internal/model"
)

const (
	// DefaultChangeChannel はreviewsテーブルのトリガーが通知するチャネル名。
	DefaultChangeChannel = "review_changes"

	defaultSnapshotLimit = 200
	listenerPingInterval = 90 * time.Second

	// トリガーが送るTG_OPの値
	opInsert = "INSERT"
	opDelete = "DELETE"
)

// notificationListener はpq.Listenerのうち購読処理で使用するメソッドを抽象化する。
type notificationListener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// changeNotice はトリガーが送るNOTIFYペイロード。
type changeNotice struct {
	Op string `json:"op"`
	ID string `json:"id"`
}

// PostgresChangeSource はLISTEN/NOTIFYを使ったレビュー変更のライブ購読。
// 再接続はpq.Listenerが行い、再接続後は取りこぼしを補うためスナップショットを再送する。
type PostgresChangeSource struct {
	reviews       ReviewRepository
	newListener   func() notificationListener
	channel       string
	snapshotLimit int
	logger        *slog.Logger
}

// NewPostgresChangeSource はPostgresChangeSourceを生成する。
func NewPostgresChangeSource(
	reviews ReviewRepository,
	databaseURL, channel string,
	minReconnect, maxReconnect time.Duration,
	logger *slog.Logger,
) *PostgresChangeSource {
	if channel == "" {
		channel = DefaultChangeChannel
	}
	s := &PostgresChangeSource{
		reviews:       reviews,
		channel:       channel,
		snapshotLimit: defaultSnapshotLimit,
		logger:        logger,
	}
	s.newListener = func() notificationListener {
		return pq.NewListener(databaseURL, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
				attrs := []any{slog.String("channel", channel)}
				if err != nil {
					attrs = append(attrs, slog.String("error", err.Error()))
				}
				logger.Warn("変更通知リスナーの接続が切断されました", attrs...)
			case pq.ListenerEventReconnected:
				logger.Info("変更通知リスナーが再接続しました", slog.String("channel", channel))
			}
		})
	}
	return s
}

// Subscribe はqに一致するレビューの変更購読を開始する。
// LISTENを開始してからスナップショットを取得するため、その間の変更は取りこぼさない。
func (s *PostgresChangeSource) Subscribe(ctx context.Context, q model.ReviewQuery) (ReviewSubscription, error) {
	listener := s.newListener()
	if err := listener.Listen(s.channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("変更通知の購読開始に失敗しました: %w", classifyError(err))
	}

	snapshot, err := s.reviews.List(ctx, s.snapshotQuery(q))
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("スナップショットの取得に失敗しました: %w", err)
	}

	sub := &postgresSubscription{
		listener: listener,
		events:   make(chan RawChange, 16),
		done:     make(chan struct{}),
	}
	go s.run(ctx, sub, q, snapshot)

	return sub, nil
}

func (s *PostgresChangeSource) snapshotQuery(q model.ReviewQuery) model.ReviewQuery {
	snap := model.ReviewQuery{AuthorID: q.AuthorID, RestaurantID: q.RestaurantID, Limit: q.Limit}
	if snap.Limit <= 0 {
		snap.Limit = s.snapshotLimit
	}
	return snap
}

func (s *PostgresChangeSource) run(ctx context.Context, sub *postgresSubscription, q model.ReviewQuery, snapshot []model.RawReview) {
	defer close(sub.events)

	if !sub.send(ctx, RawChange{Snapshot: true, Upserted: snapshot}) {
		return
	}

	notifications := sub.listener.NotificationChannel()
	ping := time.NewTicker(listenerPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case <-ping.C:
			go sub.listener.Ping()
		case n, ok := <-notifications:
			if !ok {
				return
			}
			notices, resync := s.drain(n, notifications)

			var change RawChange
			var err error
			if resync {
				var rows []model.RawReview
				rows, err = s.reviews.List(ctx, s.snapshotQuery(q))
				change = RawChange{Snapshot: true, Upserted: rows}
			} else {
				change, err = s.resolve(ctx, q, notices)
			}
			if err != nil {
				s.logger.Error("変更通知の解決に失敗しました",
					slog.String("channel", s.channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			if change.Empty() {
				continue
			}
			if !sub.send(ctx, change) {
				return
			}
		}
	}
}

// drain は最初の通知に続いて既に届いている通知をまとめて取り出す。
// nil通知（再接続）を含む場合はresyncにtrueを返す。
func (s *PostgresChangeSource) drain(first *pq.Notification, ch <-chan *pq.Notification) ([]changeNotice, bool) {
	var notices []changeNotice
	resync := false

	add := func(n *pq.Notification) {
		if n == nil {
			resync = true
			return
		}
		var notice changeNotice
		if err := json.Unmarshal([]byte(n.Extra), &notice); err != nil || notice.ID == "" {
			s.logger.Warn("不正な変更通知を無視しました", slog.String("payload", n.Extra))
			return
		}
		notices = append(notices, notice)
	}

	add(first)
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return notices, resync
			}
			add(n)
		default:
			return notices, resync
		}
	}
}

// resolve は通知のID一覧から変更後のドキュメントを読み出す。
// 同一IDへの複数通知は最後の操作を採用する。ただしバッチ内でINSERTされた行は更新が続いても新規として扱う。
func (s *PostgresChangeSource) resolve(ctx context.Context, q model.ReviewQuery, notices []changeNotice) (RawChange, error) {
	lastOp := make(map[string]string, len(notices))
	inserted := make(map[string]bool, len(notices))
	var order []string
	for _, n := range notices {
		if _, seen := lastOp[n.ID]; !seen {
			order = append(order, n.ID)
		}
		lastOp[n.ID] = n.Op
		if n.Op == opInsert {
			inserted[n.ID] = true
		}
	}

	var change RawChange
	var upsertIDs []string
	for _, id := range order {
		if lastOp[id] == opDelete {
			change.Deleted = append(change.Deleted, id)
			continue
		}
		upsertIDs = append(upsertIDs, id)
	}

	rows, err := s.reviews.ListByIDs(ctx, q, upsertIDs)
	if err != nil {
		return RawChange{}, err
	}
	for _, row := range rows {
		if inserted[row.ID] {
			change.Inserted = append(change.Inserted, row)
		} else {
			change.Upserted = append(change.Upserted, row)
		}
	}
	return change, nil
}

// postgresSubscription はPostgresChangeSourceの購読ハンドル。
type postgresSubscription struct {
	listener notificationListener
	events   chan RawChange
	done     chan struct{}
	once     sync.Once
}

// Events は変更イベントを受け取るチャネルを返す。
func (p *postgresSubscription) Events() <-chan RawChange {
	return p.events
}

// Close は購読を終了しリスナーを閉じる。複数回呼び出しても安全。
func (p *postgresSubscription) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		err = p.listener.Close()
	})
	return err
}

func (p *postgresSubscription) send(ctx context.Context, change RawChange) bool {
	select {
	case p.events <- change:
		return true
	case <-p.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// compile-time interface check
var _ ReviewChangeSource = (*PostgresChangeSource)(nil)
