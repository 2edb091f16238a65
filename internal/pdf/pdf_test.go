package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yuanfengli168/WaterMarks-backend/internal/config"
	"github.com/yuanfengli168/WaterMarks-backend/internal/storage"
)

// writeTestPDF は指定ページ数の最小構成PDFを生成します。
// xrefオフセットは書き込みながら算出するため常に正しい値になります。
func writeTestPDF(t *testing.T, path string, pages int) {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")

	var offsets []int
	writeObj := func(body string) {
		offsets = append(offsets, buf.Len())
		buf.WriteString(body)
	}

	kids := make([]string, 0, pages)
	for i := 0; i < pages; i++ {
		kids = append(kids, fmt.Sprintf("%d 0 R", 3+i))
	}

	writeObj("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	writeObj(fmt.Sprintf("2 0 obj\n<< /Type /Pages /Kids [%s] /Count %d >>\nendobj\n", strings.Join(kids, " "), pages))

	content := "q Q\n"
	for i := 0; i < pages; i++ {
		writeObj(fmt.Sprintf(
			"%d 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> /Contents %d 0 R >>\nendobj\n",
			3+i, 3+pages+i,
		))
	}
	for i := 0; i < pages; i++ {
		writeObj(fmt.Sprintf(
			"%d 0 obj\n<< /Length %d >>\nstream\n%sendstream\nendobj\n",
			3+pages+i, len(content), content,
		))
	}

	xrefOffset := buf.Len()
	total := len(offsets) + 1
	buf.WriteString(fmt.Sprintf("xref\n0 %d\n", total))
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		buf.WriteString(fmt.Sprintf("%010d 00000 n \n", off))
	}
	buf.WriteString(fmt.Sprintf("trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", total, xrefOffset))

	if err := os.WriteFile(path, buf.Bytes(), 0o640); err != nil {
		t.Fatalf("failed to write test pdf: %v", err)
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	cfg := &config.Config{
		TempDir:            t.TempDir(),
		MaxParallelWorkers: 4,
		DefaultChunkSize:   10,
		WatermarkText:      "CONFIDENTIAL",
		WatermarkFontSize:  60,
		WatermarkOpacity:   0.3,
		WatermarkRotation:  45,
	}
	paths := storage.NewPaths(cfg.TempDir)
	if err := paths.EnsureDirectories(); err != nil {
		t.Fatalf("failed to prepare directories: %v", err)
	}
	return NewService(cfg, paths, nil)
}

func TestColorForChunkCyclesPalette(t *testing.T) {
	size := PaletteSize()
	if size != 8 {
		t.Fatalf("PaletteSize = %d, want 8", size)
	}
	for i := 0; i < size; i++ {
		if ColorForChunk(i) == ColorForChunk(i+1) {
			t.Fatalf("adjacent chunks %d and %d share color %s", i, i+1, ColorForChunk(i))
		}
		if ColorForChunk(i) != ColorForChunk(i+size) {
			t.Fatalf("palette should cycle at index %d", i)
		}
	}
}

func TestWatermarkDescription(t *testing.T) {
	s := newTestService(t)

	desc := s.watermarkDescription("#FF0000")
	want := "fontname:Helvetica-Bold, points:60, fillcolor:#FF0000, opacity:0.30, rotation:45, scalefactor:1 abs"
	if desc != want {
		t.Fatalf("description = %q, want %q", desc, want)
	}
}

func TestValidateStructureAcceptsWellFormedPDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.pdf")
	writeTestPDF(t, path, 3)

	info, err := ValidateStructure(path)
	if err != nil {
		t.Fatalf("ValidateStructure returned error: %v", err)
	}
	if info.Pages != 3 {
		t.Fatalf("pages = %d, want 3", info.Pages)
	}
	if info.Size <= 0 {
		t.Fatalf("size = %d, want positive", info.Size)
	}
}

func TestValidateStructureRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pdf")
	if err := os.WriteFile(path, nil, 0o640); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	_, err := ValidateStructure(path)
	assertErrorCode(t, err, "INVALID_INPUT")
}

func TestValidateStructureRejectsWrongExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.txt")
	writeTestPDF(t, path, 1)

	_, err := ValidateStructure(path)
	assertErrorCode(t, err, "INVALID_INPUT")
}

func TestValidateStructureRejectsNonPDFContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.pdf")
	if err := os.WriteFile(path, []byte("this is plain text, not a pdf"), 0o640); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	_, err := ValidateStructure(path)
	assertErrorCode(t, err, "INVALID_INPUT")
}

func assertErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	var coded *Error
	if !errors.As(err, &coded) {
		t.Fatalf("expected coded error, got %T: %v", err, err)
	}
	if coded.Code != code {
		t.Fatalf("code = %s, want %s", coded.Code, code)
	}
}

func TestSplitIntoChunksCoversAllPages(t *testing.T) {
	s := newTestService(t)
	source := filepath.Join(t.TempDir(), "input.pdf")
	writeTestPDF(t, source, 10)

	chunks, err := s.splitIntoChunks(context.Background(), "job-1", source, 3)
	if err != nil {
		t.Fatalf("splitIntoChunks returned error: %v", err)
	}
	if len(chunks) != 4 {
		t.Fatalf("chunks = %d, want 4", len(chunks))
	}

	wantRanges := [][2]int{{1, 3}, {4, 6}, {7, 9}, {10, 10}}
	for i, chunk := range chunks {
		if chunk.StartPage != wantRanges[i][0] || chunk.EndPage != wantRanges[i][1] {
			t.Fatalf("chunk %d range = [%d,%d], want %v", i, chunk.StartPage, chunk.EndPage, wantRanges[i])
		}
		if chunk.Color != ColorForChunk(i) {
			t.Fatalf("chunk %d color = %s, want %s", i, chunk.Color, ColorForChunk(i))
		}
		pages, err := pdfapi.PageCountFile(chunk.WorkingPath)
		if err != nil {
			t.Fatalf("chunk %d is not readable: %v", i, err)
		}
		if pages != chunk.Pages() {
			t.Fatalf("chunk %d pages = %d, want %d", i, pages, chunk.Pages())
		}
	}
}

func TestSplitIntoChunksClampsChunkSizeToPageCount(t *testing.T) {
	s := newTestService(t)
	source := filepath.Join(t.TempDir(), "input.pdf")
	writeTestPDF(t, source, 5)

	chunks, err := s.splitIntoChunks(context.Background(), "job-1", source, 50)
	if err != nil {
		t.Fatalf("splitIntoChunks returned error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if chunks[0].StartPage != 1 || chunks[0].EndPage != 5 {
		t.Fatalf("unexpected range: [%d,%d]", chunks[0].StartPage, chunks[0].EndPage)
	}
}

func TestSplitIntoChunksRejectsBrokenPDF(t *testing.T) {
	s := newTestService(t)
	source := filepath.Join(t.TempDir(), "broken.pdf")
	if err := os.WriteFile(source, []byte("%PDF-1.4\ngarbage"), 0o640); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	if _, err := s.splitIntoChunks(context.Background(), "job-1", source, 3); err == nil {
		t.Fatal("expected error for broken pdf")
	}
}

func TestMergeChunksFailsOnMissingOutput(t *testing.T) {
	s := newTestService(t)
	chunks := []*ChunkInfo{
		{ChunkID: 0, Order: 0, OutputPath: filepath.Join(t.TempDir(), "missing.pdf")},
	}

	err := s.mergeChunks(context.Background(), chunks, s.paths.OutputPath("job-1"), nil)
	assertErrorCode(t, err, "PROCESSING_FAILED")
}

func TestPipelineRunPreservesPageCount(t *testing.T) {
	s := newTestService(t)
	jobID := "job-1"
	source := s.paths.UploadPath(jobID)
	writeTestPDF(t, source, 7)

	var stages []string
	lastPercent := -1
	progress := func(stage string, percent int) {
		stages = append(stages, stage)
		if percent >= 0 {
			lastPercent = percent
		}
	}

	resultPath, err := s.Run(context.Background(), jobID, source, 3, progress)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if resultPath != s.paths.OutputPath(jobID) {
		t.Fatalf("unexpected result path: %s", resultPath)
	}

	pages, err := pdfapi.PageCountFile(resultPath)
	if err != nil {
		t.Fatalf("output is not readable: %v", err)
	}
	if pages != 7 {
		t.Fatalf("output pages = %d, want 7", pages)
	}

	if lastPercent != 100 {
		t.Fatalf("final progress = %d, want 100", lastPercent)
	}
	for _, stage := range []string{"splitting", "watermarking", "merging", "finished"} {
		if !containsStage(stages, stage) {
			t.Fatalf("stage %s was never reported (got %v)", stage, stages)
		}
	}
}

func TestPipelineRunUsesDefaultChunkSizeWhenUnset(t *testing.T) {
	s := newTestService(t)
	jobID := "job-2"
	source := s.paths.UploadPath(jobID)
	writeTestPDF(t, source, 2)

	if _, err := s.Run(context.Background(), jobID, source, 0, nil); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestPipelineRunFailsOnBrokenSource(t *testing.T) {
	s := newTestService(t)
	jobID := "job-3"
	source := s.paths.UploadPath(jobID)
	if err := os.WriteFile(source, []byte("%PDF-1.4\ngarbage"), 0o640); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	if _, err := s.Run(context.Background(), jobID, source, 3, nil); err == nil {
		t.Fatal("expected error for broken source")
	}
}

func TestPipelineRunHonorsCancelledContext(t *testing.T) {
	s := newTestService(t)
	jobID := "job-4"
	source := s.paths.UploadPath(jobID)
	writeTestPDF(t, source, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Run(ctx, jobID, source, 1, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func containsStage(stages []string, stage string) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}
