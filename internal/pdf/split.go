package pdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// splitIntoChunks は入力PDFをページ範囲のチャンクへ分割します。
//
// 実効チャンクサイズは min(要求サイズ, 総ページ数) で、範囲は連続かつ
// 重複なしに全ページを覆います（最後のチャンクだけ短くなり得ます）。
// 分割に失敗した場合はジョブ全体を中断します。
func (s *Service) splitIntoChunks(ctx context.Context, jobID, sourcePath string, chunkSize int) ([]*ChunkInfo, error) {
	totalPages, err := pdfapi.PageCountFile(sourcePath)
	if err != nil {
		return nil, newError("UNSUPPORTED_PDF", "入力PDFを読み込めませんでした。破損していないか確認してください。", err)
	}
	if totalPages == 0 {
		return nil, newError("UNSUPPORTED_PDF", "入力PDFにページが含まれていません。", nil)
	}

	effective := chunkSize
	if effective > totalPages {
		effective = totalPages
	}

	chunksDir := s.paths.ChunksDir(jobID)
	if err := os.MkdirAll(chunksDir, 0o750); err != nil {
		return nil, fmt.Errorf("チャンクディレクトリの作成に失敗しました: %w", err)
	}

	var chunks []*ChunkInfo
	chunkID := 0
	for start := 1; start <= totalPages; start += effective {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		end := start + effective - 1
		if end > totalPages {
			end = totalPages
		}

		chunkPath := filepath.Join(chunksDir, fmt.Sprintf("chunk_%04d.pdf", chunkID))
		if err := pdfapi.CollectFile(sourcePath, chunkPath, pageSelection(start, end), nil); err != nil {
			return nil, newError("UNSUPPORTED_PDF", fmt.Sprintf("チャンク %d の切り出しに失敗しました。", chunkID), err)
		}

		chunks = append(chunks, &ChunkInfo{
			ChunkID:     chunkID,
			Order:       chunkID,
			StartPage:   start,
			EndPage:     end,
			WorkingPath: chunkPath,
			Color:       ColorForChunk(chunkID),
			Status:      ChunkPending,
		})
		chunkID++
	}

	return chunks, nil
}

func pageSelection(start, end int) []string {
	pages := make([]string, 0, end-start+1)
	for p := start; p <= end; p++ {
		pages = append(pages, strconv.Itoa(p))
	}
	return pages
}
