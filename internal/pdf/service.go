// Package pdf はPDFの分割・透かし・結合パイプラインを提供します。
package pdf

import (
	"log"

	"github.com/yuanfengli168/WaterMarks-backend/internal/config"
	"github.com/yuanfengli168/WaterMarks-backend/internal/storage"
)

// Service はPDF処理パイプラインの実装です。
type Service struct {
	cfg    *config.Config
	paths  *storage.Paths
	logger *log.Logger
}

// NewService は Service を作成します。
func NewService(cfg *config.Config, paths *storage.Paths, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		cfg:    cfg,
		paths:  paths,
		logger: logger,
	}
}
