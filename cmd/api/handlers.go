package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yuanfengli168/WaterMarks-backend/internal/config"
	"github.com/yuanfengli168/WaterMarks-backend/internal/pdf"
	"github.com/yuanfengli168/WaterMarks-backend/internal/queue"
	"github.com/yuanfengli168/WaterMarks-backend/internal/session"
	"github.com/yuanfengli168/WaterMarks-backend/internal/status"
	"github.com/yuanfengli168/WaterMarks-backend/internal/storage"
)

// テストから差し替えられるようにしています。
var timeNow = time.Now

// Server はHTTPハンドラーと依存コンポーネントをまとめた構造体です。
type Server struct {
	cfg     *config.Config
	paths   *storage.Paths
	manager *queue.Manager
	tracker *status.Tracker
	logger  *log.Logger
}

// NewServer は Server を作成します。
func NewServer(cfg *config.Config, paths *storage.Paths, manager *queue.Manager, tracker *status.Tracker, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:     cfg,
		paths:   paths,
		manager: manager,
		tracker: tracker,
		logger:  logger,
	}
}

// handleRoot はサービス情報を返すルートエンドポイントのハンドラーです。
func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "WaterMarks Backend",
		"status":  "online",
		"version": "1.0.0",
	})
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"service":    "watermarks-api",
		"activeJobs": s.tracker.CountActive(),
	})
}

// handleCheckSize は現時点で受け付け可能な最大ファイルサイズを返します。
// アップロード前のクライアント側チェックに使います。
func (s *Server) handleCheckSize(c *gin.Context) {
	allowance, err := s.manager.CheckSizeAllowance()
	if err != nil {
		s.logger.Printf("size allowance check failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "RESOURCE_PROBE_FAILED",
			"message": "サーバーのリソース状況を確認できませんでした。",
		})
		return
	}
	c.JSON(http.StatusOK, allowance)
}

// handleUpload は /api/upload のハンドラーです。
// 受付判定・保存・構造検証を行い、ジョブをキューに登録します。
func (s *Server) handleUpload(c *gin.Context) {
	ownerID := session.OwnerID(c)

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "file フィールドでPDFファイルを送信してください。",
		})
		return
	}

	if !strings.HasSuffix(strings.ToLower(file.Filename), ".pdf") {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "PDFファイルのみアップロードできます。",
		})
		return
	}

	if file.Size > s.cfg.AbsoluteMaxFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"code":    "FILE_TOO_LARGE",
			"message": fmt.Sprintf("ファイルサイズが上限（%dMB）を超えています。", s.cfg.AbsoluteMaxFileSize/(1024*1024)),
		})
		return
	}

	// 入力値の検証はファイルを書き込む前に済ませる。ここで弾いた
	// リクエストは台帳に載らず、掃除の対象にもならないため。
	chunkSize := s.cfg.DefaultChunkSize
	if raw := c.PostForm("chunkSize"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "chunkSize は正の整数で指定してください。",
			})
			return
		}
		chunkSize = parsed
	}

	admitted, message, hint := s.manager.CanAdmit(ownerID, file.Size)
	if !admitted {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "QUEUE_REJECTED",
			"message": message,
			"retry":   hint,
		})
		return
	}

	jobID := uuid.NewString()
	uploadPath := s.paths.UploadPath(jobID)
	if err := c.SaveUploadedFile(file, uploadPath); err != nil {
		s.logger.Printf("failed to save upload job=%s: %v", jobID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "UPLOAD_FAILED",
			"message": "ファイルの保存に失敗しました。",
		})
		return
	}

	info, err := pdf.ValidateStructure(uploadPath)
	if err != nil {
		if removeErr := os.Remove(uploadPath); removeErr != nil {
			s.logger.Printf("failed to remove invalid upload job=%s: %v", jobID, removeErr)
		}
		s.respondPDFError(c, http.StatusBadRequest, err)
		return
	}

	s.tracker.Create(jobID, "アップロードを受け付けました。処理開始をお待ちください。")
	s.manager.Add(jobID, ownerID, uploadPath, file.Size, chunkSize)

	c.JSON(http.StatusAccepted, gin.H{
		"jobId":                jobID,
		"pages":                info.Pages,
		"queuePosition":        s.manager.QueuePosition(jobID),
		"estimatedWaitSeconds": s.manager.EstimateWait(jobID),
	})
}

// handleStatus は /api/status/:id のハンドラーです。
// 進捗レコードにキュー側の待ち情報とダウンロード猶予を重ねて返します。
func (s *Server) handleStatus(c *gin.Context) {
	jobID := c.Param("id")
	ownerID := session.OwnerID(c)

	job := s.manager.Get(jobID)
	st := s.tracker.Get(jobID)
	if job == nil && st == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "指定されたジョブが見つかりません。",
		})
		return
	}
	if job != nil && job.OwnerID != ownerID {
		c.JSON(http.StatusForbidden, gin.H{
			"code":    "FORBIDDEN",
			"message": "このジョブへのアクセス権がありません。",
		})
		return
	}

	response := gin.H{"jobId": jobID}
	if st != nil {
		response["status"] = st.Status
		response["progress"] = st.Progress
		response["message"] = st.Message
		if st.Error != "" {
			response["error"] = st.Error
		}
	}
	if job != nil {
		response["state"] = job.State
		if job.State == queue.StateQueued {
			response["queuePosition"] = s.manager.QueuePosition(jobID)
			response["estimatedWaitSeconds"] = s.manager.EstimateWait(jobID)
		}
		if job.DownloadWindowExpires != nil {
			response["downloadWindowExpires"] = job.DownloadWindowExpires
			response["windowExpired"] = nowAfter(job)
		}
		if job.LastError != "" {
			response["error"] = job.LastError
		}
	}

	c.JSON(http.StatusOK, response)
}

// handleDownload は /api/download/:id のハンドラーです。
// 猶予期間内の finished ジョブの成果物を返し、直後に downloaded へ遷移させます。
func (s *Server) handleDownload(c *gin.Context) {
	jobID := c.Param("id")
	ownerID := session.OwnerID(c)

	job := s.manager.Get(jobID)
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "指定されたジョブが見つかりません。",
		})
		return
	}
	if job.OwnerID != ownerID {
		c.JSON(http.StatusForbidden, gin.H{
			"code":    "FORBIDDEN",
			"message": "このジョブへのアクセス権がありません。",
		})
		return
	}

	switch job.State {
	case queue.StateQueued, queue.StateProcessing:
		c.JSON(http.StatusConflict, gin.H{
			"code":    "NOT_READY",
			"message": "処理がまだ完了していません。",
		})
		return
	case queue.StateError:
		c.JSON(http.StatusConflict, gin.H{
			"code":    "PROCESSING_FAILED",
			"message": job.LastError,
		})
		return
	case queue.StateDownloaded:
		c.JSON(http.StatusGone, gin.H{
			"code":    "ALREADY_DOWNLOADED",
			"message": "このジョブの成果物はすでにダウンロード済みです。",
		})
		return
	}

	if nowAfter(job) {
		c.JSON(http.StatusGone, gin.H{
			"code":    "WINDOW_EXPIRED",
			"message": "ダウンロード期限が切れました。再度アップロードしてください。",
		})
		return
	}

	outputPath := s.paths.OutputPath(jobID)
	if _, err := os.Stat(outputPath); err != nil {
		s.logger.Printf("output missing job=%s: %v", jobID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "OUTPUT_MISSING",
			"message": "成果物ファイルが見つかりません。",
		})
		return
	}

	c.FileAttachment(outputPath, filepath.Base(outputPath))
	s.manager.MarkDownloaded(jobID)
}

// handleCleanup は /api/cleanup/:id のハンドラーです。
// ジョブと成果物を即時に片付けます。
func (s *Server) handleCleanup(c *gin.Context) {
	jobID := c.Param("id")
	ownerID := session.OwnerID(c)

	job := s.manager.Get(jobID)
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "指定されたジョブが見つかりません。",
		})
		return
	}
	if job.OwnerID != ownerID {
		c.JSON(http.StatusForbidden, gin.H{
			"code":    "FORBIDDEN",
			"message": "このジョブへのアクセス権がありません。",
		})
		return
	}

	s.manager.Delete(jobID)
	s.tracker.Delete(jobID)
	c.Status(http.StatusNoContent)
}

// handleAdminJobs は全ジョブの一覧を返します（運用確認用）。
func (s *Server) handleAdminJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"jobs":     s.manager.Jobs(),
		"statuses": s.tracker.All(),
	})
}

// handleAdminCleanupOld は期限切れジョブと古い進捗レコードを即時回収します。
func (s *Server) handleAdminCleanupOld(c *gin.Context) {
	swept := s.manager.SweepExpired()
	pruned := s.tracker.PruneOlderThan(s.cfg.StatusRetention)
	c.JSON(http.StatusOK, gin.H{
		"sweptJobs":      swept,
		"prunedStatuses": pruned,
	})
}

// respondPDFError はコード付きエラーをHTTPレスポンスに変換します。
func (s *Server) respondPDFError(c *gin.Context, fallbackStatus int, err error) {
	var coded *pdf.Error
	if errors.As(err, &coded) {
		c.JSON(fallbackStatus, gin.H{
			"code":    coded.Code,
			"message": coded.Message,
		})
		return
	}
	c.JSON(fallbackStatus, gin.H{
		"code":    "INVALID_INPUT",
		"message": err.Error(),
	})
}

func nowAfter(job *queue.Job) bool {
	if job.DownloadWindowExpires == nil {
		return false
	}
	return timeNow().After(*job.DownloadWindowExpires)
}
