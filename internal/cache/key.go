package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

const (
	maxExplicitKeyLen = 96
	maxSegmentLen     = 64
	uriHashLen        = 16
)

// EntryKey 由 URI 或调用方显式指定的 cacheKey 推导缓存条目 key。
//
// 显式 cacheKey 只做文件名净化：小写化，非 [a-z0-9] 字符替换为 '_'。
// 未指定时取 URI 最后一段（含 query）净化后拼接 sha1(uri) 的前 16 位十六进制，
// 因此不同 URI 仅在 64 位哈希碰撞时才会共用条目。显式 cacheKey 净化后相同
// （例如 "A-1" 与 "a_1"）会共享同一条目，这由调用方自行决定。
//
// Windows 保留的设备名（con、nul、com1 等）会追加 "_key" 后缀，保证 key 在所有
// 平台上都是合法文件名。
func EntryKey(uri, cacheKey string) string {
	if explicit := strings.TrimSpace(cacheKey); explicit != "" {
		key := truncate(sanitizeKey(explicit), maxExplicitKeyLen)
		if isReservedName(key) {
			key += "_key"
		}
		return key
	}

	base := truncate(sanitizeKey(lastSegment(uri)), maxSegmentLen)
	if base == "" {
		base = "image"
	}
	return base + "_" + MakeHash(uri)[:uriHashLen]
}

// MakeHash returns the hex sha1 digest of s.
func MakeHash(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func lastSegment(uri string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(uri), "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

func sanitizeKey(raw string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, raw)
}

// isReservedName 判断 key 是否为 Windows 保留的设备文件名。
func isReservedName(key string) bool {
	switch key {
	case "con", "prn", "aux", "nul":
		return true
	}
	if len(key) == 4 && (strings.HasPrefix(key, "com") || strings.HasPrefix(key, "lpt")) {
		return key[3] >= '0' && key[3] <= '9'
	}
	return false
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
