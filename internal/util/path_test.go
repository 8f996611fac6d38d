package util

import (
	"strings"
	"testing"
)

func TestBuildArchiveKey(t *testing.T) {
	key := BuildArchiveKey("archives/", "store-01", "files", "6f1c", "zst")
	if key != "archives/store-01/files/6f1c.tar.zst" {
		t.Fatalf("unexpected key: %s", key)
	}
	plain := BuildArchiveKey("", "store-01", "state", "6f1c", "")
	if !strings.HasSuffix(plain, "6f1c.tar") || strings.HasPrefix(plain, "/") {
		t.Fatalf("unexpected key: %s", plain)
	}
}

func TestBuildPrefix(t *testing.T) {
	prefix := BuildPrefix("archives", "store-01", "state")
	if prefix != "archives/store-01/state" {
		t.Fatalf("unexpected prefix: %s", prefix)
	}
	if got := BuildPrefix("", "store-01", ""); got != "store-01" {
		t.Fatalf("unexpected prefix: %s", got)
	}
}
