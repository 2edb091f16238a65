// Package storage はローカルディスク上のジョブ成果物の配置と削除を担います。
package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths はジョブ成果物のディレクトリ配置を表します。
type Paths struct {
	TempDir       string
	UploadDir     string
	ProcessingDir string
	OutputDir     string
}

// NewPaths は一時ディレクトリのルートから各配置先を導出します。
func NewPaths(tempDir string) *Paths {
	return &Paths{
		TempDir:       tempDir,
		UploadDir:     filepath.Join(tempDir, "uploads"),
		ProcessingDir: filepath.Join(tempDir, "processing"),
		OutputDir:     filepath.Join(tempDir, "outputs"),
	}
}

// EnsureDirectories は必要なディレクトリをすべて作成します。
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.TempDir, p.UploadDir, p.ProcessingDir, p.OutputDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("ディレクトリの作成に失敗しました %s: %w", dir, err)
		}
	}
	return nil
}

// UploadPath はアップロードされた入力PDFの保存先を返します。
func (p *Paths) UploadPath(jobID string) string {
	return filepath.Join(p.UploadDir, jobID+".pdf")
}

// JobDir はジョブの作業ディレクトリを返します。
func (p *Paths) JobDir(jobID string) string {
	return filepath.Join(p.ProcessingDir, jobID)
}

// ChunksDir は分割チャンクの保存先を返します。
func (p *Paths) ChunksDir(jobID string) string {
	return filepath.Join(p.JobDir(jobID), "chunks")
}

// WatermarkedDir は透かし済みチャンクの保存先を返します。
func (p *Paths) WatermarkedDir(jobID string) string {
	return filepath.Join(p.JobDir(jobID), "watermarked")
}

// OutputPath は最終成果物PDFの保存先を返します。
func (p *Paths) OutputPath(jobID string) string {
	return filepath.Join(p.OutputDir, fmt.Sprintf("watermarked_%s.pdf", jobID))
}

// CleanupArtifacts はジョブに紐づく入力・作業・成果物ファイルをすべて削除します。
// 存在しないファイルはエラーにしません。
func (p *Paths) CleanupArtifacts(jobID string) error {
	var firstErr error

	if err := os.RemoveAll(p.JobDir(jobID)); err != nil {
		firstErr = err
	}
	if err := removeIfExists(p.UploadPath(jobID)); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := removeIfExists(p.OutputPath(jobID)); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
