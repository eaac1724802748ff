// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

package pipeline

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
)

// HashKey computes the object-store key for a file's new-format upload:
// <user>/backup_<id>/filesystem/<SHA-384(path)> (spec.md 4.3 phase 1 step
// 1). Hash-key naming is mandatory for new writes.
func HashKey(user string, backupID int, filePath string) string {
	sum := sha512.Sum384([]byte(filePath))
	return fmt.Sprintf("%s/backup_%d/filesystem/%s", user, backupID, hex.EncodeToString(sum[:]))
}

// LegacyKey reproduces the pre-migration key layout <prefix><path>.gz,
// recognized only for restore (spec.md 4.3, "the legacy format ...
// remains recognized only for restore"). It is never produced by new
// writes (spec.md 9, DESIGN NOTES).
func LegacyKey(prefix, filePath string) string {
	return prefix + filePath + ".gz"
}

// CatalogKey returns the object-store key for the uploaded catalog file
// (spec.md 4.3 phase 3, "<user>/backup_<id>/<catalog-basename>").
func CatalogKey(user string, backupID int, catalogBasename string) string {
	return fmt.Sprintf("%s/backup_%d/%s", user, backupID, catalogBasename)
}

// DatabaseKey returns the object-store key for an uploaded database dump
// (spec.md §6, "<user>/backup_<id>/databases/<basename>").
func DatabaseKey(user string, backupID int, basename string) string {
	return fmt.Sprintf("%s/backup_%d/databases/%s", user, backupID, basename)
}

// DumpBasename builds the local temp filename and object-store basename
// for one database dump (spec.md 4.3 phase 2,
// "/tmp/<host>_<port>_<name>_<YYYY.MM.DD_HHMM>.sql.gz").
func DumpBasename(host string, port int, name string, timestamp string) string {
	return fmt.Sprintf("%s_%d_%s_%s.sql.gz", host, port, name, timestamp)
}

// precompressedExtensions are file extensions the original client uploads
// verbatim rather than gzip-compressing (spec.md 4.3 phase 1 step 2),
// carried forward from the original source's known-compressed set
// (spec.md 9 "Supplementing the distilled spec").
var precompressedExtensions = map[string]bool{
	"gz": true, "bz2": true, "xz": true, "7z": true, "zip": true, "rar": true,
	"jpg": true, "jpeg": true, "mp3": true, "deb": true, "rpm": true,
}

// IsPrecompressed reports whether filePath's extension identifies it as
// already compressed (verbatim upload) or a multi-part archive segment
// like r01, 7z.001, zip.001 (spec.md 4.3 phase 1 step 2).
func IsPrecompressed(filePath string) bool {
	base := path.Base(filePath)
	last := strings.ToLower(strings.TrimPrefix(path.Ext(base), "."))
	if last == "" {
		return false
	}
	if precompressedExtensions[last] {
		return true
	}
	if len(last) == 3 && last[0] == 'r' && isDigit(last[1]) && isDigit(last[2]) {
		return true
	}
	// 7z.001 / zip.001: the numbered tail plus the preceding component.
	if len(last) == 3 && isDigit(last[0]) && isDigit(last[1]) && isDigit(last[2]) {
		withoutLast := strings.TrimSuffix(base, "."+last)
		prefix := strings.ToLower(strings.TrimPrefix(path.Ext(withoutLast), "."))
		return prefix == "7z" || prefix == "zip"
	}
	return false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
