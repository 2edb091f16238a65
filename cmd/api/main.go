// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yuanfengli168/WaterMarks-backend/internal/config"
	"github.com/yuanfengli168/WaterMarks-backend/internal/pdf"
	"github.com/yuanfengli168/WaterMarks-backend/internal/queue"
	"github.com/yuanfengli168/WaterMarks-backend/internal/session"
	"github.com/yuanfengli168/WaterMarks-backend/internal/status"
	"github.com/yuanfengli168/WaterMarks-backend/internal/storage"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	logger := log.Default()

	// 作業ディレクトリの準備
	paths := storage.NewPaths(cfg.TempDir)
	if err := paths.EnsureDirectories(); err != nil {
		log.Fatalf("Failed to prepare directories: %v", err)
	}

	// コンポーネントの組み立て
	probe := queue.NewSystemProbe(cfg.MemoryLimitOverride)
	tracker := status.NewTracker()
	manager := queue.NewManager(cfg, probe, paths.CleanupArtifacts, logger)
	service := pdf.NewService(cfg, paths, logger)

	// パイプライン実行と進捗レコードの橋渡し
	run := func(ctx context.Context, job *queue.Job) (string, error) {
		progress := func(stage string, percent int) {
			upd := status.Patch{Status: stage}
			if percent >= 0 {
				p := percent
				upd.Progress = &p
			}
			tracker.Update(job.JobID, upd)
		}

		resultPath, err := service.Run(ctx, job.JobID, job.SourcePath, job.ChunkSize, progress)
		if err != nil {
			tracker.Update(job.JobID, status.Patch{Error: userMessage(err)})
			return "", err
		}

		tracker.Update(job.JobID, status.Patch{
			Status:     status.StageFinished,
			Message:    "処理が完了しました。ダウンロードしてください。",
			ResultPath: resultPath,
		})
		return resultPath, nil
	}

	scheduler := queue.NewScheduler(manager, run, paths.CleanupArtifacts, logger)
	scheduler.Start()
	defer scheduler.Stop()

	// 古い進捗レコードは台帳の掃除とは別周期で間引く
	stopPrune := make(chan struct{})
	defer close(stopPrune)
	go pruneLoop(tracker, cfg, stopPrune)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   session.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteLaxMode,
	})
	router.Use(sessions.Sessions(session.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
	}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	server := NewServer(cfg, paths, manager, tracker, logger)
	setupRoutes(router, server)

	// サーバーの起動とグレースフルシャットダウン
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Printf("Starting API server on %s (mode: %s)", httpServer.Addr, cfg.GinMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Printf("Server shutdown failed: %v", err)
	}
}

// setupRoutes は API グループの配線を行います。
func setupRoutes(router *gin.Engine, server *Server) {
	// まずは誰でも叩けるサービス情報とヘルスチェックを登録
	router.GET("/", server.handleRoot)
	router.GET("/health", server.handleHealth)

	api := router.Group("/api")
	api.Use(session.EnsureOwner())
	{
		api.POST("/check-size", server.handleCheckSize)
		api.POST("/upload", server.handleUpload)
		api.GET("/status/:id", server.handleStatus)
		api.GET("/download/:id", server.handleDownload)
		api.DELETE("/cleanup/:id", server.handleCleanup)

		admin := api.Group("/admin")
		{
			admin.GET("/jobs", server.handleAdminJobs)
			admin.POST("/cleanup-old", server.handleAdminCleanupOld)
		}
	}
}

// pruneLoop は保持期間を過ぎた進捗レコードを定期的に間引きます。
func pruneLoop(tracker *status.Tracker, cfg *config.Config, stop <-chan struct{}) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			tracker.PruneOlderThan(cfg.StatusRetention)
		}
	}
}

// userMessage はパイプラインエラーから利用者向けメッセージを取り出します。
func userMessage(err error) string {
	var coded *pdf.Error
	if errors.As(err, &coded) {
		return coded.Message
	}
	return "処理中にエラーが発生しました。再度アップロードしてください。"
}
