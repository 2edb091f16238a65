// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port          string // APIサーバーのポート番号
	GinMode       string // Ginの実行モード (debug, release, test)
	SessionSecret string // セッションクッキー署名用の秘密鍵

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル保存先
	TempDir   string // 一時ファイルのルートディレクトリ
	QueueFile string // キュー台帳のスナップショットファイル

	// ファイル制限
	AbsoluteMaxFileSize int64   // 単一ファイルの絶対上限（バイト）
	RAMSafetyMargin     float64 // 受付可能サイズ算出に使う空きRAMの割合
	MinFreeRAMRequired  int64   // 受付に必要な最低空きメモリ（バイト）

	// リソース見積もり
	MemoryLimitOverride int64   // メモリ上限の明示指定（cgroup未検出時、0で無効）
	RAMMultiplier       float64 // ファイルサイズ→推定メモリ使用量の係数
	DiskMultiplier      float64 // ファイルサイズ→推定ディスク使用量の係数
	RAMBuffer           int64   // ディスパッチ後に残すべきメモリ余裕（バイト）
	DiskBuffer          int64   // ディスパッチ後に残すべきディスク余裕（バイト）
	DiskSafetyBuffer    int64   // 受付時のディスク安全マージン（バイト）

	// 処理設定
	MaxParallelWorkers int // 透かし処理の並列ワーカー数
	DefaultChunkSize   int // チャンクあたりのデフォルトページ数

	// ジョブライフサイクル
	DownloadWindow   time.Duration // 完了後のダウンロード猶予
	ErrorRetention   time.Duration // エラージョブの保持期間
	StatusRetention  time.Duration // ステータスレコードの保持期間
	SweepInterval    time.Duration // 期限切れジョブ掃除の間隔
	DispatchInterval time.Duration // ディスパッチループのポーリング間隔

	// 透かし設定
	WatermarkText     string  // 透かし文字列
	WatermarkFontSize int     // フォントサイズ（ポイント）
	WatermarkOpacity  float64 // 不透明度（0.0〜1.0）
	WatermarkRotation int     // 回転角度（度）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		Port:          getEnv("PORT", "8080"),
		GinMode:       getEnv("GIN_MODE", "debug"),
		SessionSecret: getEnv("SESSION_SECRET", ""),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"),

		TempDir:   getEnv("TEMP_DIR", "temp_files"),
		QueueFile: getEnv("QUEUE_FILE", "queue.json"),

		AbsoluteMaxFileSize: getEnvAsInt64("ABSOLUTE_MAX_FILE_SIZE", 500*1024*1024), // 500MB
		RAMSafetyMargin:     getEnvAsFloat("RAM_SAFETY_MARGIN", 0.7),
		MinFreeRAMRequired:  getEnvAsInt64("MIN_FREE_RAM_REQUIRED", 100*1024*1024), // 100MB

		MemoryLimitOverride: getEnvAsInt64("MEMORY_LIMIT_OVERRIDE", 0),
		RAMMultiplier:       getEnvAsFloat("RAM_MULTIPLIER", 3.0),
		DiskMultiplier:      getEnvAsFloat("DISK_MULTIPLIER", 2.0),
		RAMBuffer:           getEnvAsInt64("RAM_BUFFER", 300*1024*1024),        // 300MB
		DiskBuffer:          getEnvAsInt64("DISK_BUFFER", 150*1024*1024),       // 150MB
		DiskSafetyBuffer:    getEnvAsInt64("DISK_SAFETY_BUFFER", 150*1024*1024), // 150MB

		MaxParallelWorkers: getEnvAsInt("MAX_PARALLEL_WORKERS", 4),
		DefaultChunkSize:   getEnvAsInt("DEFAULT_CHUNK_SIZE", 10),

		DownloadWindow:   getEnvAsDuration("DOWNLOAD_WINDOW_SECONDS", 60*time.Second),
		ErrorRetention:   getEnvAsDuration("ERROR_RETENTION_SECONDS", time.Hour),
		StatusRetention:  getEnvAsDuration("STATUS_RETENTION_SECONDS", time.Hour),
		SweepInterval:    getEnvAsDuration("SWEEP_INTERVAL_SECONDS", 30*time.Second),
		DispatchInterval: getEnvAsDuration("DISPATCH_INTERVAL_SECONDS", 2*time.Second),

		WatermarkText:     getEnv("WATERMARK_TEXT", "WATERMARK"),
		WatermarkFontSize: getEnvAsInt("WATERMARK_FONT_SIZE", 60),
		WatermarkOpacity:  getEnvAsFloat("WATERMARK_OPACITY", 0.3),
		WatermarkRotation: getEnvAsInt("WATERMARK_ROTATION", 45),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.GinMode == "release" && c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required in release mode")
	}
	if c.MaxParallelWorkers <= 0 {
		return fmt.Errorf("MAX_PARALLEL_WORKERS must be positive")
	}
	if c.DefaultChunkSize <= 0 {
		return fmt.Errorf("DEFAULT_CHUNK_SIZE must be positive")
	}
	if c.RAMMultiplier <= 0 || c.DiskMultiplier <= 0 {
		return fmt.Errorf("resource multipliers must be positive")
	}
	if c.WatermarkOpacity < 0 || c.WatermarkOpacity > 1 {
		return fmt.Errorf("WATERMARK_OPACITY must be between 0 and 1")
	}
	return nil
}

// QueueFilePath はキュー台帳ファイルの絶対的な配置先を返します。
func (c *Config) QueueFilePath() string {
	if filepath.IsAbs(c.QueueFile) {
		return c.QueueFile
	}
	return filepath.Join(c.TempDir, c.QueueFile)
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します。
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は秒数で指定された環境変数を time.Duration として取得します。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	seconds, err := strconv.Atoi(valueStr)
	if err != nil || seconds < 0 {
		return defaultValue
	}
	return time.Duration(seconds) * time.Second
}
