// Package queue はジョブの受付制御・FIFOスケジューリング・完了後の
// ライフサイクル管理を提供します。台帳はディスク上のJSONスナップショットに
// 永続化され、プロセス内ではメモリ上の状態が常に正となります。
package queue

import "time"

// State はジョブのライフサイクル状態を表します。
// 遷移は queued → processing → finished → downloaded または error のみで、
// 後退しません。
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateFinished   State = "finished"
	StateDownloaded State = "downloaded"
	StateError      State = "error"
)

// Job はキューが所有するジョブレコードです。
type Job struct {
	JobID        string `json:"jobId"`
	OwnerID      string `json:"ownerId"`
	SourcePath   string `json:"sourcePath"`
	DeclaredSize int64  `json:"declaredSize"`
	ChunkSize    int    `json:"chunkSize"`
	State        State  `json:"state"`

	QueuedAt              time.Time  `json:"queuedAt"`
	StartedAt             *time.Time `json:"startedAt,omitempty"`
	FinishedAt            *time.Time `json:"finishedAt,omitempty"`
	DownloadedAt          *time.Time `json:"downloadedAt,omitempty"`
	DownloadWindowExpires *time.Time `json:"downloadWindowExpires,omitempty"`

	LastError string `json:"lastError,omitempty"`
}

// RetryHint は受付拒否時に返す再試行の目安です。
type RetryHint struct {
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
	Reason            string `json:"reason"`
}

// 受付拒否の理由コードです。
const (
	ReasonDiskSpace = "disk_space"
	ReasonMemory    = "memory"
)
