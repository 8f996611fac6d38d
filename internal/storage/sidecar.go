package storage

import "time"

const SidecarSuffix = ".meta.json"

// ArchiveMeta travels next to a mirrored archive so the remote copy can be
// verified without the local catalog.
type ArchiveMeta struct {
	JobID             string    `json:"job_id"`
	StoreID           string    `json:"store_id"`
	Scope             string    `json:"scope"`
	ChainID           string    `json:"chain_id"`
	IncrementalNumber int       `json:"incremental_number"`
	Key               string    `json:"key"`
	Checksum          string    `json:"checksum"`
	SizeBytes         int64     `json:"size_bytes"`
	Compression       string    `json:"compression"`
	Encrypted         bool      `json:"encrypted"`
	CreatedAt         time.Time `json:"created_at"`
	ToolVersion       string    `json:"tool_version"`
}

func SidecarKey(objectKey string) string {
	return objectKey + SidecarSuffix
}
