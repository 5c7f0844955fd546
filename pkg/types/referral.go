package types

import "time"

// BindingStatus is the lifecycle of a referral binding. The machine is
// none -> pending -> confirmed; confirmed is terminal and a failed
// confirmation leaves the binding pending.
type BindingStatus string

const (
	BindingPending   BindingStatus = "pending"
	BindingConfirmed BindingStatus = "confirmed"
)

// ReferralCode is owned by a referrer; one referrer may hold many codes.
// Unique by Code, created only via a verified signature and a consumed
// nonce, never deleted.
type ReferralCode struct {
	Code      string    `json:"code"`
	Referrer  string    `json:"referrer"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReferralBinding ties a referred address to a referrer. At most one
// binding per referred address, ever (first bind wins).
type ReferralBinding struct {
	Referred      string        `json:"referred"`
	Referrer      string        `json:"referrer"`
	Code          string        `json:"code"`
	Status        BindingStatus `json:"status"`
	DepositTxHash string        `json:"depositTxHash,omitempty"`
	BoundAt       time.Time     `json:"boundAt"`
	ConfirmedAt   *time.Time    `json:"confirmedAt,omitempty"`
}

// ReferralSettings are process-wide and admin-mutable. Changes apply
// prospectively only; there is no retroactive recompute.
type ReferralSettings struct {
	MinPayoutUsd              float64 `json:"minPayoutUsd"`
	ReferrerMarksSharePercent float64 `json:"referrerMarksSharePercent"`
	ReferrerYieldSharePercent float64 `json:"referrerYieldSharePercent"`
}

// DefaultSettings returns the settings used until an admin writes others.
func DefaultSettings() ReferralSettings {
	return ReferralSettings{
		MinPayoutUsd:              10,
		ReferrerMarksSharePercent: 10,
		ReferrerYieldSharePercent: 10,
	}
}

// ReferrerTotals is the additive accumulator per referrer. Every field is
// monotonically non-decreasing; there are no debits.
type ReferrerTotals struct {
	Referrer      string    `json:"referrer"`
	FeeUsdE18     Amount    `json:"feeUsdE18"`
	FeeEthWei     Amount    `json:"feeEthWei"`
	YieldUsdE18   Amount    `json:"yieldUsdE18"`
	YieldEthWei   Amount    `json:"yieldEthWei"`
	MarksPoints   Amount    `json:"marksPoints"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// RebateStatus tracks the referred user's own side of fee events, parallel
// to the referrer's totals.
type RebateStatus struct {
	User        string `json:"user"`
	UsedCount   int    `json:"usedCount"`
	TotalUsdE18 Amount `json:"totalUsdE18"`
	TotalEthWei Amount `json:"totalEthWei"`
}
