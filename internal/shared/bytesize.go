package shared

import (
	"fmt"
	"strconv"
	"strings"
)

// 二进制单位倍率。"GB" 在这里是 1024^3，与面向用户的限额语义保持一致。
var byteUnits = map[string]uint64{
	"":   1,
	"B":  1,
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
}

// ParseByteSize 解析 "5GB"、"1000MB"、"123" 这样的流量大小字符串。
// 纯数字按字节处理；负数或无法识别的单位返回错误。
func ParseByteSize(s string) (uint64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("empty size string")
	}

	numEnd := len(trimmed)
	for i, r := range trimmed {
		if (r < '0' || r > '9') && r != '-' && r != '+' && r != '.' {
			numEnd = i
			break
		}
	}

	numPart := strings.TrimSpace(trimmed[:numEnd])
	unitPart := strings.ToUpper(strings.TrimSpace(trimmed[numEnd:]))

	multiplier, ok := byteUnits[unitPart]
	if !ok {
		return 0, fmt.Errorf("unknown size unit: %q", unitPart)
	}

	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size number %q: %w", numPart, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("size must not be negative: %s", s)
	}

	return uint64(value * float64(multiplier)), nil
}

// FormatByteSize 将字节数格式化为人类可读的形式，用于状态展示。
func FormatByteSize(n uint64) string {
	switch {
	case n >= 1<<40:
		return fmt.Sprintf("%.2fTB", float64(n)/float64(uint64(1)<<40))
	case n >= 1<<30:
		return fmt.Sprintf("%.2fGB", float64(n)/float64(uint64(1)<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2fMB", float64(n)/float64(uint64(1)<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2fKB", float64(n)/float64(uint64(1)<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
