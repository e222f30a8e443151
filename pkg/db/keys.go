// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"fmt"
	"strconv"
	"strings"
)

// Pad16 formats a millisecond timestamp as 16 zero padded digits so keys
// sort by time.
func Pad16(ms int64) string {
	return fmt.Sprintf("%016d", ms)
}

// KTURI returns the key-time document id k/<key>/t/<time>.
func KTURI(key string, ms int64) string {
	return "k/" + key + "/t/" + Pad16(ms)
}

// TKURI returns the time-key document id t/<time>/k/<key>.
func TKURI(key string, ms int64) string {
	return "t/" + Pad16(ms) + "/k/" + key
}

// ParseURI extracts the key and time of a KTURI or TKURI id. Anything
// after the time segment of a KTURI is ignored. ok is false when id has
// neither shape.
func ParseURI(id string) (key string, ms int64, ok bool) {
	switch {
	case strings.HasPrefix(id, "k/"):
		i := strings.LastIndex(id, "/t/")
		if i < 0 {
			return strings.TrimPrefix(id, "k/"), 0, false
		}
		key = id[2:i]
		ms, ok = parseTime(id[i+3:])
		return key, ms, ok
	case strings.HasPrefix(id, "t/"):
		rest := id[2:]
		ts, k, found := strings.Cut(rest, "/k/")
		ms, ok = parseTime(ts)
		if !found {
			return "", ms, ok
		}
		return k, ms, ok
	}
	return "", 0, false
}

func parseTime(s string) (int64, bool) {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	return ms, err == nil
}
