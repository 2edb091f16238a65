package queue

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/yuanfengli168/WaterMarks-backend/internal/config"
)

// 完了実績がないときに使う再試行目安です。
const defaultRetrySeconds = 120

// 平均処理時間の算出に使う直近の完了ジョブ数です。
const durationWindow = 10

// Manager はジョブ台帳を所有し、受付判断と状態遷移を直列化します。
//
// すべての公開メソッドは単一のミューテックスで直列化されます。内部ヘルパー
// （*Locked）はロック保持を前提とし、再取得しません。永続化の失敗は
// ログに記録して握りつぶします。プロセス存続中はメモリ上の台帳が正です。
type Manager struct {
	cfg     *config.Config
	probe   Probe
	cleanup func(jobID string) error
	logger  *log.Logger

	mu        sync.Mutex
	jobs      map[string]*Job
	durations []time.Duration
	now       func() time.Time
}

// NewManager は台帳スナップショットを読み込んで Manager を作成します。
// スナップショットが存在しない、または壊れている場合は空の台帳から始めます。
func NewManager(cfg *config.Config, probe Probe, cleanup func(jobID string) error, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	m := &Manager{
		cfg:     cfg,
		probe:   probe,
		cleanup: cleanup,
		logger:  logger,
		jobs:    make(map[string]*Job),
		now:     time.Now,
	}
	m.loadSnapshot()
	return m
}

// CanAdmit はジョブを受け付けられるかを判定します。状態は変更しません。
// 拒否時は利用者向けメッセージと再試行の目安を返します。
func (m *Manager) CanAdmit(ownerID string, declaredSize int64) (bool, string, *RetryHint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// ディスク余裕: アップロード + 成果物 + 安全マージン
	required := declaredSize*2 + m.cfg.DiskSafetyBuffer
	free, err := m.probe.FreeDisk(m.cfg.TempDir)
	if err != nil {
		m.logger.Printf("disk probe failed: %v", err)
		return false, "ディスク空き容量を確認できませんでした。しばらくしてからお試しください。", m.retryHintLocked(ReasonDiskSpace)
	}
	if free < required {
		msg := fmt.Sprintf("ディスク空き容量が不足しています（空き: %dMB、必要: %dMB）。", free/(1024*1024), required/(1024*1024))
		return false, msg, m.retryHintLocked(ReasonDiskSpace)
	}

	// メモリ余裕: 実効空きメモリが下限を上回ること
	available, err := m.probe.AvailableMemory()
	if err != nil {
		m.logger.Printf("memory probe failed: %v", err)
		return false, "メモリ状況を確認できませんでした。しばらくしてからお試しください。", m.retryHintLocked(ReasonMemory)
	}
	if available < m.cfg.MinFreeRAMRequired {
		return false, "サーバーのメモリに余裕がありません。しばらくしてからお試しください。", m.retryHintLocked(ReasonMemory)
	}

	return true, "OK", nil
}

// Add はジョブを queued 状態で台帳に追加し、同期的に永続化します。
// 受付判断は呼び出し側が事前に CanAdmit で行う前提です。
func (m *Manager) Add(jobID, ownerID, sourcePath string, declaredSize int64, chunkSize int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs[jobID] = &Job{
		JobID:        jobID,
		OwnerID:      ownerID,
		SourcePath:   sourcePath,
		DeclaredSize: declaredSize,
		ChunkSize:    chunkSize,
		State:        StateQueued,
		QueuedAt:     m.now(),
	}
	m.persistLocked()
}

// Get はジョブレコードのコピーを返します。存在しない場合は nil です。
func (m *Manager) Get(jobID string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil
	}
	copied := *job
	return &copied
}

// PopNext は最も古い queued ジョブをリソース余裕の範囲でディスパッチします。
// 実行できるジョブがない場合は nil を返します（呼び出し側が後で再試行）。
// 同時に processing になるジョブは常に1件以下です。
func (m *Manager) PopNext() *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processingCountLocked() > 0 {
		return nil
	}

	queued := m.queuedSortedLocked()
	if len(queued) == 0 {
		return nil
	}
	next := queued[0]

	availableRAM, err := m.probe.AvailableMemory()
	if err != nil {
		m.logger.Printf("memory probe failed: %v", err)
		return nil
	}
	availableDisk, err := m.probe.FreeDisk(m.cfg.TempDir)
	if err != nil {
		m.logger.Printf("disk probe failed: %v", err)
		return nil
	}

	// 実行中ジョブの推定使用量を差し引いてから余裕を判定する。
	activeRAM, activeDisk := m.activeEstimatesLocked()
	neededRAM := int64(float64(next.DeclaredSize) * m.cfg.RAMMultiplier)
	neededDisk := int64(float64(next.DeclaredSize) * m.cfg.DiskMultiplier)

	if availableRAM-activeRAM-neededRAM < m.cfg.RAMBuffer {
		return nil
	}
	if availableDisk-activeDisk-neededDisk < m.cfg.DiskBuffer {
		return nil
	}

	started := m.now()
	next.State = StateProcessing
	next.StartedAt = &started
	m.persistLocked()

	copied := *next
	return &copied
}

// MarkFinished はジョブを finished に遷移させ、ダウンロード猶予を開始します。
func (m *Manager) MarkFinished(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || job.State != StateProcessing {
		return
	}

	now := m.now()
	expires := now.Add(m.cfg.DownloadWindow)
	job.State = StateFinished
	job.FinishedAt = &now
	job.DownloadWindowExpires = &expires
	m.recordDurationLocked(job)
	m.persistLocked()
}

// MarkError はジョブを error に遷移させ、エラーメッセージを記録します。
func (m *Manager) MarkError(jobID, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || job.State == StateError || job.State == StateDownloaded {
		return
	}

	now := m.now()
	job.State = StateError
	job.FinishedAt = &now
	job.LastError = message
	m.recordDurationLocked(job)
	m.persistLocked()
}

// MarkDownloaded はジョブを downloaded に遷移させます。
// downloaded のジョブは次回の掃除で即時回収されます。
func (m *Manager) MarkDownloaded(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || job.State != StateFinished {
		return
	}

	now := m.now()
	job.State = StateDownloaded
	job.DownloadedAt = &now
	job.DownloadWindowExpires = nil
	m.persistLocked()
}

// QueuePosition は queued ジョブの中での1始まりの順位を返します。
// queued でないジョブは 0 です。
func (m *Manager) QueuePosition(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queuePositionLocked(jobID)
}

// EstimateWait は処理開始までの推定待ち時間（秒）を返します。
func (m *Manager) EstimateWait(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	position := m.queuePositionLocked(jobID)
	if position == 0 {
		return 0
	}
	return position * m.averageSecondsLocked()
}

// Jobs は全ジョブレコードのコピーを受付順で返します（管理用）。
func (m *Manager) Jobs() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		copied := *job
		jobs = append(jobs, &copied)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].QueuedAt.Before(jobs[j].QueuedAt)
	})
	return jobs
}

// SweepExpired は回収対象のジョブを台帳から削除し、成果物も片付けます。
// 対象: ダウンロード猶予切れ、downloaded、保持期間を過ぎた error。
// 削除した件数を返します。
func (m *Manager) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var toDelete []string

	for jobID, job := range m.jobs {
		switch {
		case job.DownloadWindowExpires != nil && now.After(*job.DownloadWindowExpires):
			toDelete = append(toDelete, jobID)
		case job.State == StateDownloaded:
			toDelete = append(toDelete, jobID)
		case job.State == StateError && job.FinishedAt != nil && now.After(job.FinishedAt.Add(m.cfg.ErrorRetention)):
			toDelete = append(toDelete, jobID)
		}
	}

	for _, jobID := range toDelete {
		m.removeLocked(jobID)
	}
	if len(toDelete) > 0 {
		m.persistLocked()
		m.logger.Printf("swept %d expired jobs", len(toDelete))
	}
	return len(toDelete)
}

// Delete はジョブを台帳から明示的に削除し、成果物も片付けます。
func (m *Manager) Delete(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return
	}
	m.removeLocked(jobID)
	m.persistLocked()
}

func (m *Manager) removeLocked(jobID string) {
	if m.cleanup != nil {
		if err := m.cleanup(jobID); err != nil {
			m.logger.Printf("failed to cleanup artifacts job=%s: %v", jobID, err)
		}
	}
	delete(m.jobs, jobID)
}

func (m *Manager) processingCountLocked() int {
	count := 0
	for _, job := range m.jobs {
		if job.State == StateProcessing {
			count++
		}
	}
	return count
}

func (m *Manager) queuedSortedLocked() []*Job {
	var queued []*Job
	for _, job := range m.jobs {
		if job.State == StateQueued {
			queued = append(queued, job)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		return queued[i].QueuedAt.Before(queued[j].QueuedAt)
	})
	return queued
}

func (m *Manager) queuePositionLocked(jobID string) int {
	job, ok := m.jobs[jobID]
	if !ok || job.State != StateQueued {
		return 0
	}
	for i, j := range m.queuedSortedLocked() {
		if j.JobID == jobID {
			return i + 1
		}
	}
	return 0
}

// activeEstimatesLocked は実行中ジョブの推定メモリ・ディスク使用量の合計を
// 返します。同時実行は1件に制限されていますが、将来方針が変わっても
// 受付計算が成り立つよう集計で求めます。
func (m *Manager) activeEstimatesLocked() (ram, disk int64) {
	for _, job := range m.jobs {
		if job.State != StateProcessing {
			continue
		}
		ram += int64(float64(job.DeclaredSize) * m.cfg.RAMMultiplier)
		disk += int64(float64(job.DeclaredSize) * m.cfg.DiskMultiplier)
	}
	return ram, disk
}

// recordDurationLocked は完了ジョブの処理時間を直近リングに記録します。
// 台帳から掃除された後も待ち時間推定に履歴が残るようにしています。
func (m *Manager) recordDurationLocked(job *Job) {
	if job.StartedAt == nil || job.FinishedAt == nil {
		return
	}
	duration := job.FinishedAt.Sub(*job.StartedAt)
	if duration < 0 {
		return
	}
	m.durations = append(m.durations, duration)
	if len(m.durations) > durationWindow {
		m.durations = m.durations[len(m.durations)-durationWindow:]
	}
}

// averageSecondsLocked は直近の完了ジョブの平均処理時間（秒）を返します。
// 実績がない場合は既定値を返します。実測ではなく目安です。
func (m *Manager) averageSecondsLocked() int {
	if len(m.durations) == 0 {
		return defaultRetrySeconds
	}
	var total time.Duration
	for _, d := range m.durations {
		total += d
	}
	return int(total.Seconds()) / len(m.durations)
}

func (m *Manager) retryHintLocked(reason string) *RetryHint {
	return &RetryHint{
		RetryAfterSeconds: m.averageSecondsLocked(),
		Reason:            reason,
	}
}

// persistLocked は台帳全体をスナップショットとして書き直します。
// 台帳は同時生存ジョブ数で抑えられた小さなものなので全書き換えで足ります。
// 失敗してもメモリ上の台帳が正のため、ログのみで続行します。
func (m *Manager) persistLocked() {
	path := m.cfg.QueueFilePath()
	payload, err := json.MarshalIndent(m.jobs, "", "  ")
	if err != nil {
		m.logger.Printf("failed to encode queue snapshot: %v", err)
		return
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o640); err != nil {
		m.logger.Printf("failed to write queue snapshot: %v", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		m.logger.Printf("failed to replace queue snapshot: %v", err)
	}
}

// loadSnapshot は起動時にスナップショットを読み込みます。
// 読めない・壊れている場合は空の台帳で開始します。
func (m *Manager) loadSnapshot() {
	path := m.cfg.QueueFilePath()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Printf("failed to read queue snapshot: %v", err)
		}
		return
	}

	var jobs map[string]*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		m.logger.Printf("queue snapshot is corrupt, starting fresh: %v", err)
		return
	}
	if jobs == nil {
		return
	}

	// 前プロセスで実行中だったジョブは再開できないため error に落とす。
	now := m.now()
	for _, job := range jobs {
		if job.State == StateProcessing {
			job.State = StateError
			job.FinishedAt = &now
			job.LastError = "サーバー再起動により処理が中断されました。再度アップロードしてください。"
		}
	}

	m.jobs = jobs
	m.logger.Printf("loaded %d jobs from queue snapshot", len(jobs))
}
