// Package tracker is the polling loop: fetch the listing feed, diff it against
// the persisted watermark, deliver unseen listings oldest first, and back off
// on failures.
//
// Phases:
//
//	UNINITIALIZED -> STEADY <-> BACKOFF
//
// With no watermark the newest listing is adopted silently (or announced when
// AnnounceOnInit is set). Afterwards each confirmed delivery is persisted
// before the next one is attempted, so a crash re-sends at most the single
// in-flight listing.
package tracker
