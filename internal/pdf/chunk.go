package pdf

// チャンクの処理段階です。
const (
	ChunkPending    = "pending"
	ChunkProcessing = "processing"
	ChunkCompleted  = "completed"
	ChunkError      = "error"
)

// ChunkInfo は分割された1チャンクのメタデータです。
// 1ジョブのパイプライン実行の間だけ生存します。
type ChunkInfo struct {
	ChunkID     int
	Order       int
	StartPage   int // 1始まり、両端を含む
	EndPage     int
	WorkingPath string
	OutputPath  string
	Color       string
	Status      string
	Err         string
}

// Pages はチャンクに含まれるページ数を返します。
func (c *ChunkInfo) Pages() int {
	return c.EndPage - c.StartPage + 1
}
