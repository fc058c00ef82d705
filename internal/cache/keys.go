package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// CacheKey generates a cache key from components.
func CacheKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// SearchKey derives the cache key for a search request. Modalities are
// sorted so parameter order does not split the cache.
func SearchKey(query string, modalities []string, threshold float64, limit int) string {
	sorted := make([]string, len(modalities))
	copy(sorted, modalities)
	sort.Strings(sorted)

	payload := fmt.Sprintf("%s|%s|%.4f|%d", query, strings.Join(sorted, ","), threshold, limit)
	sum := sha256.Sum256([]byte(payload))
	return CacheKey("search", hex.EncodeToString(sum[:]))
}

// ClassificationKey derives the cache key for a document classification,
// scoped to the document's content hash so re-uploads with changed bytes
// miss.
func ClassificationKey(documentID, fileHash string) string {
	return CacheKey("classification", documentID, fileHash)
}

// VideoKey derives the cache key for an enriched video URL.
func VideoKey(videoURL string) string {
	sum := sha256.Sum256([]byte(videoURL))
	return CacheKey("video", hex.EncodeToString(sum[:]))
}
