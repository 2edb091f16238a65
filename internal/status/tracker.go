// Package status はジョブの細粒度な進捗レコードをメモリ上で管理します。
// キューのライフサイクル状態とは独立しており、プロセス再起動で初期化されます。
package status

import (
	"sync"
	"time"
)

// ジョブが取りうる進捗ステージです。
const (
	StageUploading    = "uploading"
	StageSplitting    = "splitting"
	StageWatermarking = "watermarking"
	StageMerging      = "merging"
	StageFinished     = "finished"
	StageError        = "error"
)

// stageProgress はステージ名に対して自動設定される進捗率です。
var stageProgress = map[string]int{
	StageUploading:    10,
	StageSplitting:    30,
	StageWatermarking: 50,
	StageMerging:      80,
	StageFinished:     100,
	StageError:        0,
}

// activeStages は非終端（処理中とみなす）ステージの集合です。
var activeStages = map[string]struct{}{
	StageUploading:    {},
	StageSplitting:    {},
	StageWatermarking: {},
	StageMerging:      {},
}

// JobStatus は1ジョブの進捗レコードです。
type JobStatus struct {
	JobID      string    `json:"jobId"`
	Status     string    `json:"status"`
	Progress   int       `json:"progress"`
	Message    string    `json:"message"`
	ResultPath string    `json:"resultPath,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Patch は進捗レコードへの部分更新を表します。
// ゼロ値のフィールドは変更されません。Progress は明示指定時にステージの
// 自動値を上書きします（0〜100へクランプ）。Error を設定すると状態は
// 強制的に error / 進捗0 になります。
type Patch struct {
	Status     string
	Progress   *int
	Message    string
	ResultPath string
	Error      string
}

// Tracker はジョブIDから進捗レコードへのスレッドセーフなマップです。
type Tracker struct {
	mu       sync.Mutex
	statuses map[string]*JobStatus
	now      func() time.Time
}

// NewTracker は空の Tracker を作成します。
func NewTracker() *Tracker {
	return &Tracker{
		statuses: make(map[string]*JobStatus),
		now:      time.Now,
	}
}

// Create は uploading 状態の進捗レコードを新規作成します。
func (t *Tracker) Create(jobID, message string) *JobStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	st := &JobStatus{
		JobID:     jobID,
		Status:    StageUploading,
		Progress:  stageProgress[StageUploading],
		Message:   message,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.statuses[jobID] = st
	copied := *st
	return &copied
}

// Update は進捗レコードを更新します。ジョブが存在しない場合は nil を返します。
func (t *Tracker) Update(jobID string, upd Patch) *JobStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.statuses[jobID]
	if !ok {
		return nil
	}

	if upd.Status != "" {
		st.Status = upd.Status
		if auto, known := stageProgress[upd.Status]; known {
			st.Progress = auto
		}
	}
	if upd.Progress != nil {
		st.Progress = clamp(*upd.Progress)
	}
	if upd.Message != "" {
		st.Message = upd.Message
	}
	if upd.ResultPath != "" {
		st.ResultPath = upd.ResultPath
	}
	if upd.Error != "" {
		st.Error = upd.Error
		st.Status = StageError
		st.Progress = 0
	}
	st.UpdatedAt = t.now()

	copied := *st
	return &copied
}

// Get はジョブの進捗レコードを返します。存在しない場合は nil です。
func (t *Tracker) Get(jobID string) *JobStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.statuses[jobID]
	if !ok {
		return nil
	}
	copied := *st
	return &copied
}

// Exists はジョブの進捗レコードが存在するかを返します。
func (t *Tracker) Exists(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.statuses[jobID]
	return ok
}

// Delete は進捗レコードを削除します。削除した場合 true を返します。
func (t *Tracker) Delete(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.statuses[jobID]; !ok {
		return false
	}
	delete(t.statuses, jobID)
	return true
}

// CountActive は非終端ステージにあるジョブ数を返します。
func (t *Tracker) CountActive() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for _, st := range t.statuses {
		if _, active := activeStages[st.Status]; active {
			count++
		}
	}
	return count
}

// All は全ジョブの進捗レコードのコピーを返します（管理用）。
func (t *Tracker) All() map[string]*JobStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make(map[string]*JobStatus, len(t.statuses))
	for id, st := range t.statuses {
		copied := *st
		all[id] = &copied
	}
	return all
}

// PruneOlderThan は作成から maxAge を超えたレコードを削除し、件数を返します。
func (t *Tracker) PruneOlderThan(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	pruned := 0
	for id, st := range t.statuses {
		if st.CreatedAt.Before(cutoff) {
			delete(t.statuses, id)
			pruned++
		}
	}
	return pruned
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
