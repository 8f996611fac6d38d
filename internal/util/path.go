package util

import (
	"path"
	"strings"
)

// BuildArchiveKey constructs the storage key of a job's archive. The key is
// derived from the job id alone so two jobs can never collide.
func BuildArchiveKey(prefix, storeID, scope, jobID, extension string) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, strings.Trim(prefix, "/"))
	}
	parts = append(parts, storeID, scope)
	name := jobID + ".tar"
	if extension != "" {
		name = name + "." + extension
	}
	parts = append(parts, name)
	return path.Join(parts...)
}

// BuildPrefix builds the prefix under which a store's archives live.
func BuildPrefix(prefix, storeID, scope string) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, strings.Trim(prefix, "/"))
	}
	if storeID != "" {
		parts = append(parts, storeID)
	}
	if scope != "" {
		parts = append(parts, scope)
	}
	return path.Join(parts...)
}
