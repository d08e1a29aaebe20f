// Package partition defines partition identity and the in-memory registry
// of locally materialized index partitions.
package partition

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidID is returned when a partition name cannot be parsed.
var ErrInvalidID = errors.New("partition: invalid id")

// Prefix is the textual prefix of every partition name.
const Prefix = "partition_"

// ID identifies one index partition. Partitions are either monthly
// (partition_YYYYMM) or fixed buckets with a small integer suffix
// (partition_10). The zero value is not a valid ID.
type ID struct {
	suffix  int
	monthly bool
}

// MonthlyID returns the ID of the monthly partition covering t,
// interpreted in t's location.
func MonthlyID(t time.Time) ID {
	return ID{suffix: t.Year()*100 + int(t.Month()), monthly: true}
}

// FixedID returns the ID of a fixed bucket partition.
func FixedID(n int) ID {
	return ID{suffix: n}
}

// ParseID parses a textual partition name. A 6-digit suffix is a
// year-month; shorter suffixes are fixed bucket numbers.
func ParseID(s string) (ID, error) {
	suffix, ok := strings.CutPrefix(s, Prefix)
	if !ok || suffix == "" {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 0 {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}

	if len(suffix) == 6 {
		month := n % 100
		if month < 1 || month > 12 {
			return ID{}, fmt.Errorf("%w: %q: month out of range", ErrInvalidID, s)
		}
		return ID{suffix: n, monthly: true}, nil
	}
	if len(suffix) > 6 {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID{suffix: n}, nil
}

// String returns the textual form of the ID.
func (id ID) String() string {
	if id.monthly {
		return fmt.Sprintf("%s%06d", Prefix, id.suffix)
	}
	return fmt.Sprintf("%s%d", Prefix, id.suffix)
}

// Monthly reports whether the partition covers a calendar month.
func (id ID) Monthly() bool { return id.monthly }

// SortKey returns the recency ordering key. Every monthly partition sorts
// above every fixed partition regardless of suffix magnitude.
func (id ID) SortKey() int64 {
	if id.monthly {
		return int64(id.suffix) + 1<<32
	}
	return int64(id.suffix)
}
