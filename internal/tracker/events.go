package tracker

import "time"

// Bus payloads. Keep them small; subscribers may log or serialize them.

type InitializedEvent struct {
	Cycle     uint64 `json:"cycle"`
	Watermark int64  `json:"watermark"`
	Announced bool   `json:"announced"`
}

type DeliveredEvent struct {
	Cycle     uint64 `json:"cycle"`
	ListingID int64  `json:"listing_id"`
	MessageID int    `json:"message_id"`
}

type CycleFailedEvent struct {
	Cycle     uint64        `json:"cycle"`
	Failures  int           `json:"failures"`
	NextSleep time.Duration `json:"next_sleep"`
	Error     string        `json:"error"`
}

type ReplayCappedEvent struct {
	Cycle     uint64 `json:"cycle"`
	Watermark int64  `json:"watermark"`
	Kept      int    `json:"kept"`
	Skipped   int    `json:"skipped"`
}
