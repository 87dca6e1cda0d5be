package tracker

import (
	"fmt"
	"strconv"
	"strings"
)

// FetchError wraps a failed listing query. It is recoverable and feeds backoff.
type FetchError struct {
	Categories []int
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch listings (categories=%s): %v", joinCategories(e.Categories), e.Err)
}
func (e *FetchError) Unwrap() error { return e.Err }

// SendError wraps a failed delivery. The watermark is not advanced past ListingID.
type SendError struct {
	ListingID int64
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("deliver listing %d: %v", e.ListingID, e.Err)
}
func (e *SendError) Unwrap() error { return e.Err }

// StoreError wraps a watermark store failure (I/O, not corruption).
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("watermark %s (key=%s): %v", e.Op, e.Key, e.Err)
}
func (e *StoreError) Unwrap() error { return e.Err }

func joinCategories(xs []int) string {
	if len(xs) == 0 {
		return "all"
	}
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}
