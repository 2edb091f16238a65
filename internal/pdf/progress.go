package pdf

// ProgressReporter は進捗更新用コールバックです。
// percent が負の場合、ステージ既定の進捗率を使うことを意味します。
type ProgressReporter func(stage string, percent int)

func reportStage(cb ProgressReporter, stage string) {
	if cb == nil {
		return
	}
	cb(stage, -1)
}

func reportProgress(cb ProgressReporter, stage string, percent int) {
	if cb == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	cb(stage, percent)
}
