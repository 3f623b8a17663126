package source

import "strings"

var parquetSuffixes = []string{".parquet", ".parquet.zst", ".parq"}

// IsParquetFile reports whether key names a (possibly compressed) Parquet
// object.
func IsParquetFile(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range parquetSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// IsCompressed checks if a file is zstd compressed.
func IsCompressed(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), ".zst")
}

// IsHidden reports whether any path segment of key starts with "_" or ".",
// as used by quarantine prefixes and temporary uploads.
func IsHidden(key string) bool {
	for _, seg := range strings.Split(key, "/") {
		if strings.HasPrefix(seg, "_") || strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
