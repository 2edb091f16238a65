package pdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Run はアップロード済みPDFに対して分割→並列透かし→結合を実行し、
// 完成した出力ファイルのパスを返します。
//
// 進捗はステージ単位で progress に報告します。結合ステージだけは
// チャンクごとの明示的なパーセント値で報告します。
func (s *Service) Run(ctx context.Context, jobID, sourcePath string, chunkSize int, progress ProgressReporter) (string, error) {
	if chunkSize <= 0 {
		chunkSize = s.cfg.DefaultChunkSize
	}

	watermarkedDir := s.paths.WatermarkedDir(jobID)
	if err := os.MkdirAll(watermarkedDir, 0o750); err != nil {
		return "", fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
	}

	reportStage(progress, "splitting")
	chunks, err := s.splitIntoChunks(ctx, jobID, sourcePath, chunkSize)
	if err != nil {
		return "", err
	}
	for _, chunk := range chunks {
		chunk.OutputPath = filepath.Join(watermarkedDir, fmt.Sprintf("chunk_%04d.pdf", chunk.ChunkID))
	}
	s.logger.Printf("job %s: split into %d chunks (chunkSize=%d)", jobID, len(chunks), chunkSize)

	reportStage(progress, "watermarking")
	completed, err := s.watermarkAll(ctx, chunks)
	if err != nil {
		return "", err
	}

	reportProgress(progress, "merging", 80)
	outputPath := s.paths.OutputPath(jobID)
	if err := s.mergeChunks(ctx, completed, outputPath, progress); err != nil {
		return "", err
	}

	reportProgress(progress, "finished", 100)
	return outputPath, nil
}

// watermarkAll は全チャンクの透かし処理を並列に実行します。
// 並列度は MaxParallelWorkers で制限し、最初に発生したエラーで
// 残りの処理をキャンセルします。成功時は元の順序で返します。
func (s *Service) watermarkAll(ctx context.Context, chunks []*ChunkInfo) ([]*ChunkInfo, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallelWorkers)

	var mu sync.Mutex
	completed := make([]*ChunkInfo, 0, len(chunks))

	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			chunk.Status = ChunkProcessing
			if err := s.watermarkChunk(chunk); err != nil {
				chunk.Status = ChunkError
				chunk.Err = err.Error()
				return newError("PROCESSING_FAILED", fmt.Sprintf("チャンク %d の透かし処理に失敗しました。", chunk.ChunkID), err)
			}
			chunk.Status = ChunkCompleted

			mu.Lock()
			completed = append(completed, chunk)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(completed, func(i, j int) bool {
		return completed[i].Order < completed[j].Order
	})
	return completed, nil
}
