package ledger

import (
	"sync"
	"time"

	"liuproxy_rotator/internal/shared/logger"
)

const historyDays = 3

const dateLayout = "2006-01-02"

// Ledger 维护全局流量与请求计数。所有并发连接共享同一个实例，
// 每个读写都在同一把互斥锁下完成，并在变更后同步落盘。
// 落盘失败只记日志不上抛：内存状态始终是权威数据。
type Ledger struct {
	mu    sync.Mutex
	store Store
	rec   Record
	now   func() time.Time // 可注入，便于测试跨天逻辑
}

// Snapshot 是账本所有字段的一份不可变拷贝，用于状态上报。
type Snapshot struct {
	TotalLeases            uint64   `json:"total_leases"`
	TodayDate              string   `json:"today_date"`
	TodayLeases            uint64   `json:"today_leases"`
	TodaySucceeded         uint64   `json:"today_succeeded"`
	TodayFailed            uint64   `json:"today_failed"`
	TotalTrafficBytes      uint64   `json:"total_traffic_bytes"`
	TodayTrafficBytes      uint64   `json:"today_traffic_bytes"`
	DailyTrafficHistory    []uint64 `json:"daily_traffic_history"`
	TotalTrafficLimitBytes uint64   `json:"total_traffic_limit_bytes"`
}

// New 创建账本并从存储加载历史数据。加载失败时从零开始，不影响转发。
func New(store Store) *Ledger {
	l := &Ledger{
		store: store,
		now:   time.Now,
	}

	rec, err := store.Load()
	if err != nil {
		l := logger.WithComponent("Ledger")
		l.Error().Err(err).Msg("Failed to load ledger, starting with empty counters.")
		rec = &Record{}
	}
	l.rec = *rec
	if l.rec.TodayDate == "" {
		l.rec.TodayDate = l.now().Format(dateLayout)
	}
	return l
}

// rollDayLocked 在日期跨天时归档昨日流量并清零 today 计数。
// 必须在持锁状态下、任何计数读写之前调用。同一天内重复调用无副作用。
func (l *Ledger) rollDayLocked() {
	today := l.now().Format(dateLayout)
	if l.rec.TodayDate == today {
		return
	}

	// 先归档、再清零：历史必须先吸收昨日值
	l.rec.DailyTrafficHistory = append(l.rec.DailyTrafficHistory, l.rec.TodayTrafficBytes)
	if len(l.rec.DailyTrafficHistory) > historyDays {
		l.rec.DailyTrafficHistory = l.rec.DailyTrafficHistory[len(l.rec.DailyTrafficHistory)-historyDays:]
	}

	l.rec.TodayDate = today
	l.rec.TodayLeases = 0
	l.rec.TodaySucceeded = 0
	l.rec.TodayFailed = 0
	l.rec.TodayTrafficBytes = 0

	l.persistLocked()
}

// RecordLease 记录一次成功的 IP 租用。
func (l *Ledger) RecordLease() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollDayLocked()
	l.rec.TotalLeases++
	l.rec.TodayLeases++
	l.persistLocked()
}

// RecordOutcome 记录一次请求的最终结果。
func (l *Ledger) RecordOutcome(success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollDayLocked()
	if success {
		l.rec.TodaySucceeded++
	} else {
		l.rec.TodayFailed++
	}
	l.persistLocked()
}

// AddTraffic 将 n 字节累加到总量和当日流量。
// 返回 true 当且仅当设置了正限额且累加后总流量达到或超过限额；
// 如何处置由调用方决定。
func (l *Ledger) AddTraffic(n uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollDayLocked()
	l.rec.TotalTrafficBytes += n
	l.rec.TodayTrafficBytes += n
	l.persistLocked()

	return l.rec.TotalTrafficLimitBytes > 0 && l.rec.TotalTrafficBytes >= l.rec.TotalTrafficLimitBytes
}

// QuotaExceeded 报告当前是否已达到流量限额，用于连接前置检查。
func (l *Ledger) QuotaExceeded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollDayLocked()
	return l.rec.TotalTrafficLimitBytes > 0 && l.rec.TotalTrafficBytes >= l.rec.TotalTrafficLimitBytes
}

// SetTrafficLimit 设置总流量限额。0 表示不限量。
func (l *Ledger) SetTrafficLimit(limitBytes uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rec.TotalTrafficLimitBytes = limitBytes
	l.persistLocked()
}

// SetTotalTraffic 重置累计流量计数，管理操作专用。
func (l *Ledger) SetTotalTraffic(totalBytes uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rec.TotalTrafficBytes = totalBytes
	l.persistLocked()
}

// Snapshot 在锁内拷贝所有字段。
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollDayLocked()
	return Snapshot{
		TotalLeases:            l.rec.TotalLeases,
		TodayDate:              l.rec.TodayDate,
		TodayLeases:            l.rec.TodayLeases,
		TodaySucceeded:         l.rec.TodaySucceeded,
		TodayFailed:            l.rec.TodayFailed,
		TotalTrafficBytes:      l.rec.TotalTrafficBytes,
		TodayTrafficBytes:      l.rec.TodayTrafficBytes,
		DailyTrafficHistory:    append([]uint64(nil), l.rec.DailyTrafficHistory...),
		TotalTrafficLimitBytes: l.rec.TotalTrafficLimitBytes,
	}
}

// Persist 主动落盘一次，用于连接清理和进程退出路径。
func (l *Ledger) Persist() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.persistLocked()
}

func (l *Ledger) persistLocked() {
	if err := l.store.Save(&l.rec); err != nil {
		lg := logger.WithComponent("Ledger")
		lg.Warn().Err(err).Msg("Failed to persist ledger, keeping in-memory state.")
	}
}
