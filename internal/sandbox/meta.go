package sandbox

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// memoryKeys is the priority order for memory readings in the meta file.
// Different isolate versions report under different keys; the list is
// empirical and may need tuning per deployment.
var memoryKeys = []string{"cg-mem", "max-rss", "measured", "memory", "mem", "rss"}

// readMeta parses isolate's meta file into a key/value map. A missing file
// yields an empty map.
func readMeta(path string) map[string]string {
	meta := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		return meta
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		meta[k] = v
	}
	return meta
}

// metaTimeMs extracts the cpu time in milliseconds, falling back to the
// wall-clock measurement taken around the isolate invocation.
func metaTimeMs(meta map[string]string, fallbackMs int64) int64 {
	raw, ok := meta["time"]
	if !ok {
		return fallbackMs
	}
	sec, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fallbackMs
	}
	return int64(sec * 1000)
}

// metaMemoryKB extracts the memory reading in KB, trying keys in priority
// order and then any remaining value.
func metaMemoryKB(meta map[string]string) int64 {
	for _, k := range memoryKeys {
		if v, ok := meta[k]; ok && v != "" {
			if kb := parseMemoryKB(v); kb > 0 {
				return kb
			}
		}
	}
	for _, v := range meta {
		if kb := parseMemoryKB(v); kb > 0 {
			return kb
		}
	}
	return 0
}

// parseMemoryKB normalises a memory value to KB. Values may carry a unit
// suffix (K, KB, M, MB, B). Bare numbers above 10 MB (read as KB) are
// treated as bytes.
func parseMemoryKB(val string) int64 {
	s := strings.ToLower(strings.Trim(strings.TrimSpace(val), `"'`))
	if s == "" {
		return 0
	}

	parse := func(s string) (float64, bool) {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}

	switch {
	case strings.HasSuffix(s, "kb"):
		if f, ok := parse(s[:len(s)-2]); ok {
			return int64(f)
		}
	case strings.HasSuffix(s, "mb"):
		if f, ok := parse(s[:len(s)-2]); ok {
			return int64(f * 1024)
		}
	case strings.HasSuffix(s, "k"):
		if f, ok := parse(s[:len(s)-1]); ok {
			return int64(f)
		}
	case strings.HasSuffix(s, "m"):
		if f, ok := parse(s[:len(s)-1]); ok {
			return int64(f * 1024)
		}
	case strings.HasSuffix(s, "b"):
		if f, ok := parse(s[:len(s)-1]); ok {
			return int64(f / 1024)
		}
	default:
		if f, ok := parse(s); ok {
			if f > 10*1024 {
				return int64(f / 1024)
			}
			return int64(f)
		}
	}
	return 0
}
