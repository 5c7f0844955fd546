package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"github.com/fx-markets/refyield/pkg/types"
)

// TotalsDelta is one additive credit. Nil fields add nothing. Values are
// E18 USD / wei / points; there are no debits in this system.
type TotalsDelta struct {
	FeeUsdE18   *uint256.Int
	FeeEthWei   *uint256.Int
	YieldUsdE18 *uint256.Int
	YieldEthWei *uint256.Int
	MarksPoints *uint256.Int
}

// CreditReferrer applies a delta to a referrer's totals with an optimistic
// WATCH/MULTI loop: accumulate, never overwrite. The values exceed int64,
// so Redis HINCRBY cannot carry them; the bounded transaction loop is the
// lost-update guard instead.
func (s *Store) CreditReferrer(ctx context.Context, referrer string, delta TotalsDelta) (*types.ReferrerTotals, error) {
	key := keyTotals(referrer)
	var result *types.ReferrerTotals

	txn := func(tx *redis.Tx) error {
		totals := &types.ReferrerTotals{Referrer: referrer}
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			if err := json.Unmarshal(raw, totals); err != nil {
				return fmt.Errorf("%w: corrupt totals record: %v", types.ErrUpstreamUnavailable, err)
			}
		}
		add(&totals.FeeUsdE18, delta.FeeUsdE18)
		add(&totals.FeeEthWei, delta.FeeEthWei)
		add(&totals.YieldUsdE18, delta.YieldUsdE18)
		add(&totals.YieldEthWei, delta.YieldEthWei)
		add(&totals.MarksPoints, delta.MarksPoints)
		totals.LastUpdatedAt = time.Now().UTC()

		out, err := json.Marshal(totals)
		if err != nil {
			return err
		}
		result = totals
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			pipe.SAdd(ctx, keyReferrerSet, referrer)
			return nil
		})
		return err
	}

	for i := 0; i < txRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: credit totals: %v", types.ErrUpstreamUnavailable, err)
		}
		return result, nil
	}
	return nil, fmt.Errorf("%w: totals contention for %s", types.ErrUpstreamUnavailable, referrer)
}

// GetReferrerTotals returns the accumulator, zero-valued when absent.
func (s *Store) GetReferrerTotals(ctx context.Context, referrer string) (*types.ReferrerTotals, error) {
	raw, err := s.rdb.Get(ctx, keyTotals(referrer)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &types.ReferrerTotals{Referrer: referrer}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read totals: %v", types.ErrUpstreamUnavailable, err)
	}
	var out types.ReferrerTotals
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: corrupt totals record: %v", types.ErrUpstreamUnavailable, err)
	}
	return &out, nil
}

// ListReferrers returns every referrer that has ever been credited.
func (s *Store) ListReferrers(ctx context.Context) ([]string, error) {
	out, err := s.rdb.SMembers(ctx, keyReferrerSet).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list referrers: %v", types.ErrUpstreamUnavailable, err)
	}
	return out, nil
}

// CreditRebate records the referred user's own side of a fee event.
func (s *Store) CreditRebate(ctx context.Context, user string, usdE18, ethWei *uint256.Int) (*types.RebateStatus, error) {
	key := keyRebate(user)
	var result *types.RebateStatus

	txn := func(tx *redis.Tx) error {
		rebate := &types.RebateStatus{User: user}
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			if err := json.Unmarshal(raw, rebate); err != nil {
				return fmt.Errorf("%w: corrupt rebate record: %v", types.ErrUpstreamUnavailable, err)
			}
		}
		rebate.UsedCount++
		add(&rebate.TotalUsdE18, usdE18)
		add(&rebate.TotalEthWei, ethWei)

		out, err := json.Marshal(rebate)
		if err != nil {
			return err
		}
		result = rebate
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			pipe.SAdd(ctx, keyRebateUserSet, user)
			return nil
		})
		return err
	}

	for i := 0; i < txRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: credit rebate: %v", types.ErrUpstreamUnavailable, err)
		}
		return result, nil
	}
	return nil, fmt.Errorf("%w: rebate contention for %s", types.ErrUpstreamUnavailable, user)
}

// GetRebate returns the user's rebate status, zero-valued when absent.
func (s *Store) GetRebate(ctx context.Context, user string) (*types.RebateStatus, error) {
	raw, err := s.rdb.Get(ctx, keyRebate(user)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &types.RebateStatus{User: user}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read rebate: %v", types.ErrUpstreamUnavailable, err)
	}
	var out types.RebateStatus
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: corrupt rebate record: %v", types.ErrUpstreamUnavailable, err)
	}
	return &out, nil
}

// ListRebateUsers returns every user with rebate bookkeeping.
func (s *Store) ListRebateUsers(ctx context.Context) ([]string, error) {
	out, err := s.rdb.SMembers(ctx, keyRebateUserSet).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list rebate users: %v", types.ErrUpstreamUnavailable, err)
	}
	return out, nil
}

func add(dst *types.Amount, v *uint256.Int) {
	if v == nil {
		return
	}
	dst.Add(&dst.Int, v)
}
