// Package cleanup はキャッシュの期限切れエントリを定期的に削除するジョブを提供する。
// キャッシュは参照時にしか期限切れを判定しないため、
// 参照されなくなったエントリはこのジョブで回収する。
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper は期限切れエントリを削除できるキャッシュ。
// cache.TTLCacheとcache.ProfileCacheが満たす。
type Sweeper interface {
	Sweep() int
	Len() int
	Name() string
}

// CleanupJob は登録されたキャッシュを順に掃除するジョブ。
type CleanupJob struct {
	caches []Sweeper
	logger *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(logger *slog.Logger, caches ...Sweeper) *CleanupJob {
	return &CleanupJob{caches: caches, logger: logger}
}

// Run は全キャッシュの期限切れエントリを削除し、削除件数の合計を返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) int {
	start := time.Now()

	total := 0
	for _, c := range j.caches {
		if ctx.Err() != nil {
			break
		}
		removed := c.Sweep()
		total += removed
		j.logger.Debug("キャッシュを掃除しました",
			slog.String("cache", c.Name()),
			slog.Int("removed_count", removed),
			slog.Int("size", c.Len()),
		)
	}

	j.logger.Info("キャッシュクリーンアップジョブが完了しました",
		slog.Int("removed_count", total),
		slog.Int("cache_count", len(j.caches)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return total
}

// Start は指定間隔でRunを繰り返す。コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}
