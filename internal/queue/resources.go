package queue

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Probe はリソース観測を抽象化します。テストではスタブに差し替えます。
type Probe interface {
	// AvailableMemory は受付判断に使う実効空きメモリを返します。
	AvailableMemory() (int64, error)
	// FreeDisk は指定パスのファイルシステムの空き容量を返します。
	FreeDisk(path string) (int64, error)
}

// cgroup v1 では無制限時に int64 最大値付近のページ丸め値が入るため、
// この閾値以上は上限なしとみなします。
const cgroupUnlimitedThreshold = int64(1) << 62

// SystemProbe は gopsutil と cgroup ファイルによる実機観測です。
//
// コンテナ環境ではOS全体の空きメモリは過大に見えるため、cgroup の
// メモリ上限（v2 memory.max → v1 memory.limit_in_bytes → 設定値）を
// 検出し、上限 − 自プロセスRSS を実効空きメモリとします。
// 上限が検出できない場合はOSの空きメモリをそのまま使います。
type SystemProbe struct {
	cgroupRoot string
	override   int64
	pid        int32
}

// NewSystemProbe は SystemProbe を作成します。
// override が正の場合、cgroup 上限が検出できないときのメモリ上限として扱います。
func NewSystemProbe(override int64) *SystemProbe {
	return &SystemProbe{
		cgroupRoot: "/sys/fs/cgroup",
		override:   override,
		pid:        int32(os.Getpid()),
	}
}

// AvailableMemory は実効空きメモリを返します（0未満にはなりません）。
func (p *SystemProbe) AvailableMemory() (int64, error) {
	ceiling := p.memoryCeiling()
	if ceiling <= 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return 0, err
		}
		return int64(vm.Available), nil
	}

	rss, err := p.processRSS()
	if err != nil {
		return 0, err
	}
	available := ceiling - rss
	if available < 0 {
		available = 0
	}
	return available, nil
}

// FreeDisk は指定パスの空きディスク容量を返します。
func (p *SystemProbe) FreeDisk(path string) (int64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return int64(usage.Free), nil
}

// memoryCeiling は強制されているメモリ上限を返します。0 は上限なしです。
func (p *SystemProbe) memoryCeiling() int64 {
	// cgroup v2
	if limit, ok := readCgroupLimit(filepath.Join(p.cgroupRoot, "memory.max")); ok {
		return limit
	}
	// cgroup v1
	if limit, ok := readCgroupLimit(filepath.Join(p.cgroupRoot, "memory", "memory.limit_in_bytes")); ok {
		return limit
	}
	if p.override > 0 {
		return p.override
	}
	return 0
}

func (p *SystemProbe) processRSS() (int64, error) {
	proc, err := process.NewProcess(p.pid)
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return int64(info.RSS), nil
}

// readCgroupLimit は cgroup の上限ファイルを読み取ります。
// ファイルが存在しない、または上限なし（"max" や極端に大きい値）の場合は
// ok=false を返します。
func readCgroupLimit(path string) (int64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	return parseCgroupLimit(string(data))
}

func parseCgroupLimit(raw string) (int64, bool) {
	value := strings.TrimSpace(raw)
	if value == "" || value == "max" {
		return 0, false
	}
	limit, err := strconv.ParseInt(value, 10, 64)
	if err != nil || limit <= 0 || limit >= cgroupUnlimitedThreshold {
		return 0, false
	}
	return limit, true
}
