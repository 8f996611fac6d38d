// Package archive writes and reads backup archives: a tar stream, optionally
// compressed, holding the captured files and a job description entry.
//
// Layout:
//
//	files/<relative path>   captured files (Files scope)
//	state/store.db          database snapshot (State scope)
//	posvault-job.json       JobMeta, always the last entry
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"
)

const (
	FilesPrefix = "files/"
	StateEntry  = "state/store.db"
	MetaEntry   = "posvault-job.json"
)

// JobMeta describes the job an archive belongs to, so an archive can be
// understood without the catalog.
type JobMeta struct {
	JobID             string            `json:"job_id"`
	StoreID           string            `json:"store_id"`
	Scope             string            `json:"scope"`
	ChainID           string            `json:"chain_id"`
	IncrementalNumber int               `json:"incremental_number"`
	Trigger           string            `json:"trigger"`
	CreatedAt         time.Time         `json:"created_at"`
	Compression       string            `json:"compression"`
	Entries           map[string]string `json:"entries,omitempty"`
	Deleted           []string          `json:"deleted,omitempty"`
	// RawCopy marks a state archive holding the live file's bytes as found,
	// taken when the database could not be read as one.
	RawCopy     bool   `json:"raw_copy,omitempty"`
	ToolVersion string `json:"tool_version"`
}

// Checksum returns the hex SHA-256 of everything read from r and its length.
func Checksum(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
