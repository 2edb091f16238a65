package pdf

import (
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// SourceInfo は検証済み入力PDFのメタデータです。
type SourceInfo struct {
	Pages int   `json:"pages"`
	Size  int64 `json:"size"`
}

// ValidateStructure は入力PDFの構造を検証します。
// 拡張子・マジックバイト・パース可否・ページ数・暗号化の有無を確認し、
// 問題があればコード付きエラーを返します。
func ValidateStructure(path string) (*SourceInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, newError("INVALID_INPUT", "ファイルが見つかりません。", err)
	}
	if info.Size() == 0 {
		return nil, newError("INVALID_INPUT", "アップロードされたファイルが空です。", nil)
	}
	if !strings.HasSuffix(strings.ToLower(path), ".pdf") {
		return nil, newError("INVALID_INPUT", "PDFファイルのみアップロードできます。", nil)
	}

	kind, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, newError("INVALID_INPUT", "ファイル種別を判定できませんでした。", err)
	}
	if !kind.Is("application/pdf") {
		return nil, newError("INVALID_INPUT", "アップロードされたファイルはPDFではありません。", nil)
	}

	pages, err := pdfapi.PageCountFile(path)
	if err != nil {
		return nil, classifyParseError(err)
	}
	if pages == 0 {
		return nil, newError("INVALID_INPUT", "PDFにページが含まれていません。", nil)
	}

	return &SourceInfo{Pages: pages, Size: info.Size()}, nil
}

// classifyParseError はpdfcpuのパース失敗を利用者向けメッセージに変換します。
func classifyParseError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "encrypt") || strings.Contains(msg, "password") || strings.Contains(msg, "decrypt"):
		return newError("INVALID_INPUT", "パスワード保護されたPDFです。暗号化を解除してからアップロードしてください。", err)
	case strings.Contains(msg, "eof") || strings.Contains(msg, "truncated"):
		return newError("INVALID_INPUT", "PDFファイルが不完全、または破損しています。", err)
	default:
		return newError("INVALID_INPUT", "有効なPDFとして読み込めませんでした。", err)
	}
}
