package pdf

import (
	"context"
	"fmt"
	"os"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// mergeChunks は透かし済みチャンクを元の順序で1つのPDFへ結合します。
// 進捗は1チャンク追記ごとに 80%→95% の範囲で報告します。
// 期待される出力ファイルが欠けている場合は結合を中断します。
func (s *Service) mergeChunks(ctx context.Context, chunks []*ChunkInfo, outputPath string, progress ProgressReporter) error {
	total := len(chunks)
	for i, chunk := range chunks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := os.Stat(chunk.OutputPath); err != nil {
			return newError("PROCESSING_FAILED", fmt.Sprintf("チャンク %d の出力ファイルが見つかりません。", chunk.ChunkID), err)
		}

		if err := pdfapi.MergeAppendFile([]string{chunk.OutputPath}, outputPath, false, nil); err != nil {
			return newError("PROCESSING_FAILED", fmt.Sprintf("チャンク %d の結合に失敗しました。", chunk.ChunkID), err)
		}

		reportProgress(progress, "merging", 80+(15*(i+1))/total)
	}

	reportProgress(progress, "merging", 95)
	return nil
}
