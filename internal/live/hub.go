// Package live は表示中のフィードの変更をWebSocketで閲覧者に配信する。
package live

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/dishfeed/internal/feed"
	"github.com/hitoshi/dishfeed/internal/feedpost"
	"github.com/hitoshi/dishfeed/internal/model"
)

// メッセージ種別
const (
	MessageTypeSnapshot = "feed.snapshot"
	MessageTypeDelta    = "feed.delta"
	MessageTypePing     = "ping"
	MessageTypePong     = "pong"
)

const (
	followingTimeout = 3 * time.Second
	updateBuffer     = 64
)

// Message はライブ配信のメッセージ。
type Message struct {
	Type    string              `json:"type"`
	Posts   []feedpost.Response `json:"posts,omitempty"`
	Removed []string            `json:"removed,omitempty"`
	State   string              `json:"state,omitempty"`
	Version uint64              `json:"version,omitempty"`
}

// FeedSource は配信元のフィード。
type FeedSource interface {
	Current(ctx context.Context) (feed.View, error)
	View() feed.View
	Subscribe(fn func(feed.Update)) func()
}

// FollowingSource は閲覧者のフォロー先の参照インターフェース。
type FollowingSource interface {
	ListFolloweeIDs(ctx context.Context, userID string) ([]string, error)
}

// ClientRecorder は接続数のメトリクス記録インターフェース。
type ClientRecorder interface {
	SetLiveClients(n int)
}

// Hub は接続中のクライアントを管理し、フィードの変更を全員に配信する。
// 投稿のフォロー表示はクライアントごとに付け直す。
type Hub struct {
	source    FeedSource
	following FollowingSource
	metrics   ClientRecorder
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	updates    chan feed.Update
	resync     atomic.Bool
	done       chan struct{}
	doneOnce   sync.Once
	countMu    sync.Mutex
	count      int
}

// NewHub はHubの新しいインスタンスを生成する。
// allowedOriginが空または"*"の場合は全てのOriginからの接続を受け付ける。
func NewHub(source FeedSource, following FollowingSource, metrics ClientRecorder, allowedOrigin string, logger *slog.Logger) *Hub {
	return &Hub{
		source:    source,
		following: following,
		metrics:   metrics,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigin),
		},
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		updates:    make(chan feed.Update, updateBuffer),
		done:       make(chan struct{}),
	}
}

func originChecker(allowed string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return allowed == "" || allowed == "*" || origin == "" || origin == allowed
	}
}

// Clients は接続中のクライアント数を返す。
func (h *Hub) Clients() int {
	h.countMu.Lock()
	defer h.countMu.Unlock()
	return h.count
}

// Run はctxがキャンセルされるまで登録・解除・配信を処理する。
// 終了時には全てのクライアントを切断する。
func (h *Hub) Run(ctx context.Context) error {
	unsubscribe := h.source.Subscribe(h.enqueue)
	defer unsubscribe()
	defer h.doneOnce.Do(func() { close(h.done) })

	for {
		// 登録・解除を配信より先に処理する
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
			continue
		case c := <-h.unregister:
			h.drop(c)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.drop(c)
		case u := <-h.updates:
			if h.resync.CompareAndSwap(true, false) {
				h.broadcastSnapshot()
				continue
			}
			h.broadcast(u)
		}
	}
}

// enqueue はフィードの書き込みロック中に呼ばれるため、ブロックせずにキューへ積む。
// キューが溢れた場合は次の配信で全件を送り直す。
func (h *Hub) enqueue(u feed.Update) {
	select {
	case h.updates <- u:
	default:
		h.resync.Store(true)
		h.logger.Warn("ライブ配信のキューが溢れたため全件を送り直します")
		select {
		case h.updates <- feed.Update{}:
		default:
		}
	}
}

// ServeWS は接続をWebSocketにアップグレードしてハブに登録する。
// アップグレード前に失敗した場合だけエラーを返す。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, viewerID string) error {
	// 1. 初回読み込みを済ませる
	if _, err := h.source.Current(r.Context()); err != nil {
		return err
	}

	// 2. フォロー先を取得する（失敗してもフォロー表示なしで続行）
	following := h.followingOf(r.Context(), viewerID)

	// 3. アップグレードして登録する
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeが既にエラーレスポンスを書き込んでいる
		h.logger.Warn("WebSocketへのアップグレードに失敗しました", slog.String("error", err.Error()))
		return nil
	}

	c := newClient(h, conn, viewerID, following)
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return nil
	}
	c.start()
	return nil
}

func (h *Hub) followingOf(ctx context.Context, viewerID string) map[string]struct{} {
	set := make(map[string]struct{})
	if h.following == nil || viewerID == "" {
		return set
	}
	ctx, cancel := context.WithTimeout(ctx, followingTimeout)
	defer cancel()

	ids, err := h.following.ListFolloweeIDs(ctx, viewerID)
	if err != nil {
		h.logger.Warn("フォロー先の取得に失敗しました",
			slog.String("viewer_id", viewerID),
			slog.String("error", err.Error()),
		)
		return set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (h *Hub) add(c *Client) {
	h.clients[c] = struct{}{}
	h.setCount()
	h.logger.Info("ライブ配信のクライアントが接続しました",
		slog.String("client_id", c.id),
		slog.String("viewer_id", c.viewerID),
		slog.Int("total_clients", len(h.clients)),
	)

	v := h.source.View()
	h.deliver(c, Message{Type: MessageTypeSnapshot, State: string(v.State), Version: v.Version}, v.Posts)
}

func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.setCount()
	h.logger.Info("ライブ配信のクライアントが切断しました",
		slog.String("client_id", c.id),
		slog.Int("total_clients", len(h.clients)),
	)
}

// remove はクライアント側から登録解除を依頼する。ハブが停止済みなら何もしない。
func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) closeAll() {
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.setCount()
	h.logger.Info("ライブ配信を停止しました")
}

func (h *Hub) setCount() {
	h.countMu.Lock()
	h.count = len(h.clients)
	h.countMu.Unlock()
	h.metrics.SetLiveClients(len(h.clients))
}

func (h *Hub) broadcast(u feed.Update) {
	if u.Snapshot {
		h.broadcastSnapshot()
		return
	}
	if u.Empty() {
		return
	}
	for c := range h.clients {
		if u.Version <= c.version {
			continue
		}
		h.deliver(c, Message{Type: MessageTypeDelta, Removed: u.Removed, Version: u.Version}, u.Posts)
	}
}

func (h *Hub) broadcastSnapshot() {
	v := h.source.View()
	for c := range h.clients {
		h.deliver(c, Message{Type: MessageTypeSnapshot, State: string(v.State), Version: v.Version}, v.Posts)
	}
}

// deliver は投稿をクライアントのフォロー状態で装飾して送る。
// 送信バッファが詰まっているクライアントは切断する。
func (h *Hub) deliver(c *Client, msg Message, posts []model.FeedPost) {
	decorated := make([]model.FeedPost, len(posts))
	copy(decorated, posts)
	feedpost.Decorate(decorated, c.following)
	msg.Posts = feedpost.ToResponses(decorated)

	select {
	case c.send <- msg:
		if msg.Version > c.version {
			c.version = msg.Version
		}
	default:
		h.logger.Warn("送信が詰まっているライブ配信のクライアントを切断します", slog.String("client_id", c.id))
		h.drop(c)
	}
}
