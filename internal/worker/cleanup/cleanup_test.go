package cleanup

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/dishfeed/internal/cache"
	"github.com/hitoshi/dishfeed/internal/metrics"
)

// mockSweeper はSweeperのモック実装。
type mockSweeper struct {
	name    string
	removed int
	size    int
	swept   int
}

func (m *mockSweeper) Sweep() int {
	m.swept++
	return m.removed
}

func (m *mockSweeper) Len() int     { return m.size }
func (m *mockSweeper) Name() string { return m.name }

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// TestCleanupJob_Run_SweepsAllCaches は全キャッシュが掃除され削除件数が合計されることを検証する。
func TestCleanupJob_Run_SweepsAllCaches(t *testing.T) {
	var buf bytes.Buffer
	a := &mockSweeper{name: "restaurant", removed: 2}
	b := &mockSweeper{name: "profile", removed: 3}
	job := NewCleanupJob(newTestLogger(&buf), a, b)

	if got := job.Run(context.Background()); got != 5 {
		t.Errorf("Run = %d, want 5", got)
	}
	if a.swept != 1 || b.swept != 1 {
		t.Errorf("swept = %d/%d, want 1/1", a.swept, b.swept)
	}
	if !strings.Contains(buf.String(), `"removed_count":5`) {
		t.Errorf("log does not contain removed_count: %s", buf.String())
	}
}

// TestCleanupJob_Run_NoCaches はキャッシュが無くてもエラーにならないことを検証する。
func TestCleanupJob_Run_NoCaches(t *testing.T) {
	var buf bytes.Buffer
	if got := NewCleanupJob(newTestLogger(&buf)).Run(context.Background()); got != 0 {
		t.Errorf("Run = %d, want 0", got)
	}
}

// TestCleanupJob_Run_CanceledContext はキャンセル済みのコンテキストで掃除を打ち切ることを検証する。
func TestCleanupJob_Run_CanceledContext(t *testing.T) {
	var buf bytes.Buffer
	a := &mockSweeper{name: "a"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	NewCleanupJob(newTestLogger(&buf), a).Run(ctx)
	if a.swept != 0 {
		t.Errorf("swept = %d, want 0", a.swept)
	}
}

// TestCleanupJob_Run_RealCaches は実際のキャッシュから期限切れエントリだけが削除されることを検証する。
func TestCleanupJob_Run_RealCaches(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	ttl := cache.NewTTLCache[string]("restaurant", time.Minute, metrics.Nop{}, cache.WithClock(clock))
	profiles := cache.NewProfileCache[string]("profile", 10, time.Minute, metrics.Nop{}, cache.WithClock(clock))
	ttl.Set("old", "a")
	profiles.Set("old", "a")

	now = now.Add(2 * time.Minute)
	ttl.Set("fresh", "b")
	profiles.Set("fresh", "b")

	var buf bytes.Buffer
	if got := NewCleanupJob(newTestLogger(&buf), ttl, profiles).Run(context.Background()); got != 2 {
		t.Errorf("Run = %d, want 2", got)
	}
	if ttl.Len() != 1 || profiles.Len() != 1 {
		t.Errorf("sizes = %d/%d, want 1/1", ttl.Len(), profiles.Len())
	}
}
