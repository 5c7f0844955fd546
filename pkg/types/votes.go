package types

import "time"

// MaxPointsPerFeed caps the points one voter may put on a single feed.
const MaxPointsPerFeed = 10_000

// VoteAllocation assigns points to a price feed.
type VoteAllocation struct {
	FeedID string `json:"feedId"`
	Points uint64 `json:"points"`
}

// Ballot is one voter's current allocation set. A new ballot replaces the
// voter's previous one in full.
type Ballot struct {
	Voter       string           `json:"voter"`
	Allocations []VoteAllocation `json:"allocations"`
	SubmittedAt time.Time        `json:"submittedAt"`
}
