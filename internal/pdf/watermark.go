package pdf

import (
	"fmt"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// colorPalette はチャンクごとに巡回して割り当てる透かし色です。
// 隣接チャンクはパレット長の範囲で必ず異なる色になります。
var colorPalette = []string{
	"#FF0000", // 赤
	"#0000FF", // 青
	"#008000", // 緑
	"#FF8000", // オレンジ
	"#800080", // 紫
	"#00CCCC", // シアン
	"#FF00FF", // マゼンタ
	"#996633", // 茶
}

// ColorForChunk はチャンク番号に対応するパレット色を返します。
func ColorForChunk(chunkIndex int) string {
	return colorPalette[chunkIndex%len(colorPalette)]
}

// PaletteSize はパレットの色数を返します。
func PaletteSize() int {
	return len(colorPalette)
}

// watermarkChunk は1チャンクの全ページに透かしを描画します。
func (s *Service) watermarkChunk(chunk *ChunkInfo) error {
	desc := s.watermarkDescription(chunk.Color)
	if err := pdfapi.AddTextWatermarksFile(chunk.WorkingPath, chunk.OutputPath, nil, true, s.cfg.WatermarkText, desc, nil); err != nil {
		return fmt.Errorf("透かしの描画に失敗しました: %w", err)
	}
	return nil
}

// watermarkDescription はpdfcpuの透かし記述文字列を組み立てます。
func (s *Service) watermarkDescription(color string) string {
	return fmt.Sprintf(
		"fontname:Helvetica-Bold, points:%d, fillcolor:%s, opacity:%.2f, rotation:%d, scalefactor:1 abs",
		s.cfg.WatermarkFontSize, color, s.cfg.WatermarkOpacity, s.cfg.WatermarkRotation,
	)
}
