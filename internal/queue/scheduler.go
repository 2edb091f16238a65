package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// RunFunc は1ジョブのパイプライン実行です。成果物のパスを返します。
type RunFunc func(ctx context.Context, job *Job) (string, error)

// Scheduler はディスパッチループと期限切れ掃除を受け持つ常駐タスクです。
//
// ループはポーリング方式で、実行可能なジョブがなければ短く眠って再試行
// します。パイプラインの失敗（panic 含む）はジョブ単位に閉じ込め、
// ループ自体は動き続けます。processing に入ったジョブは完了か失敗まで
// 走り切り、途中キャンセルはありません。
type Scheduler struct {
	manager *Manager
	run     RunFunc
	cleanup func(jobID string) error
	logger  *log.Logger

	dispatchInterval time.Duration
	sweepInterval    time.Duration

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewScheduler は Scheduler を作成します。
func NewScheduler(manager *Manager, run RunFunc, cleanup func(jobID string) error, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		manager:          manager,
		run:              run,
		cleanup:          cleanup,
		logger:           logger,
		dispatchInterval: manager.cfg.DispatchInterval,
		sweepInterval:    manager.cfg.SweepInterval,
		stop:             make(chan struct{}),
	}
}

// Start はディスパッチループと掃除ループをバックグラウンドで起動します。
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.dispatchLoop()
	go s.sweepLoop()
}

// Stop は両ループを停止し、完了を待ちます。実行中のジョブは中断しません。
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if !s.dispatchOnce() {
			select {
			case <-s.stop:
				return
			case <-time.After(s.dispatchInterval):
			}
		}
	}
}

// dispatchOnce は1ジョブのディスパッチを試みます。実行した場合 true を返します。
func (s *Scheduler) dispatchOnce() bool {
	job := s.manager.PopNext()
	if job == nil {
		return false
	}

	s.logger.Printf("dispatching job=%s size=%d chunkSize=%d", job.JobID, job.DeclaredSize, job.ChunkSize)

	if _, err := s.runGuarded(job); err != nil {
		s.logger.Printf("job failed job=%s: %v", job.JobID, err)
		s.manager.MarkError(job.JobID, err.Error())
		if s.cleanup != nil {
			if cleanupErr := s.cleanup(job.JobID); cleanupErr != nil {
				s.logger.Printf("failed to cleanup after error job=%s: %v", job.JobID, cleanupErr)
			}
		}
		return true
	}

	s.manager.MarkFinished(job.JobID)
	s.logger.Printf("job finished job=%s", job.JobID)
	return true
}

// runGuarded はパイプラインの panic をエラーに変換して吸収します。
func (s *Scheduler) runGuarded(job *Job) (resultPath string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("パイプラインが異常終了しました: %v", r)
		}
	}()
	return s.run(context.Background(), job)
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.manager.SweepExpired()
		}
	}
}
