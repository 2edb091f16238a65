package queue

// SizeAllowance は現在のリソース状況で受け付けられる最大ファイルサイズです。
type SizeAllowance struct {
	MaxFileSize     int64 `json:"maxFileSize"`
	AvailableMemory int64 `json:"availableMemory"`
	AbsoluteLimit   int64 `json:"absoluteLimit"`
	Accepting       bool  `json:"accepting"`
}

// CheckSizeAllowance はアップロード前の事前チェック用に、現時点で
// 受け付け可能な最大ファイルサイズを計算します。
//
// 上限は実効空きメモリに安全係数を掛けた値で、サービス全体の絶対上限を
// 超えることはありません。空きメモリが下限を割っている間は受付停止です。
func (m *Manager) CheckSizeAllowance() (*SizeAllowance, error) {
	available, err := m.probe.AvailableMemory()
	if err != nil {
		return nil, err
	}

	allowance := &SizeAllowance{
		AvailableMemory: available,
		AbsoluteLimit:   m.cfg.AbsoluteMaxFileSize,
	}

	if available < m.cfg.MinFreeRAMRequired {
		return allowance, nil
	}

	maxSize := int64(float64(available) * m.cfg.RAMSafetyMargin)
	if maxSize > m.cfg.AbsoluteMaxFileSize {
		maxSize = m.cfg.AbsoluteMaxFileSize
	}

	allowance.MaxFileSize = maxSize
	allowance.Accepting = true
	return allowance, nil
}
