package ledger

import (
	"encoding/json"
	"fmt"
	"os"

	"liuproxy_rotator/internal/shared/logger"
)

// Record 是流量账本的持久化形态，整份重写，不追加。
type Record struct {
	TotalLeases            uint64   `json:"total_leases"`
	TodayDate              string   `json:"today_date"` // "2006-01-02"
	TodayLeases            uint64   `json:"today_leases"`
	TodaySucceeded         uint64   `json:"today_succeeded"`
	TodayFailed            uint64   `json:"today_failed"`
	TotalTrafficBytes      uint64   `json:"total_traffic_bytes"`
	TodayTrafficBytes      uint64   `json:"today_traffic_bytes"`
	DailyTrafficHistory    []uint64 `json:"daily_traffic_history"` // 最多3天, 先进先出
	TotalTrafficLimitBytes uint64   `json:"total_traffic_limit_bytes"` // 0 = 不限量
}

// Store 接口定义了账本持久化的行为。
type Store interface {
	Load() (*Record, error)
	Save(rec *Record) error
}

// FileStore 实现了 Store 接口，使用单个 JSON 文件进行持久化。
type FileStore struct {
	filePath string
}

// NewFileStore 创建一个新的 FileStore 实例。
func NewFileStore(filePath string) *FileStore {
	return &FileStore{filePath: filePath}
}

// Load 从 JSON 文件加载账本数据。文件不存在时返回空记录。
func (fs *FileStore) Load() (*Record, error) {
	l := logger.WithComponent("Ledger/Store")

	data, err := os.ReadFile(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Ledger file not found, starting with empty counters.")
			return &Record{}, nil
		}
		return nil, err
	}

	rec := &Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to parse ledger file: %w", err)
	}
	return rec, nil
}

// Save 将账本数据整份写入 JSON 文件。
func (fs *FileStore) Save(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fs.filePath, data, 0644)
}
