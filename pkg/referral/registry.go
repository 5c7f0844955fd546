package referral

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fx-markets/refyield/pkg/markets"
	"github.com/fx-markets/refyield/pkg/signing"
	"github.com/fx-markets/refyield/pkg/types"
)

// Codes are the first 8 chars of a base32-encoded uuid, unpadded.
var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Store is the durable-state subset the registry needs.
type Store interface {
	CreateCode(ctx context.Context, code *types.ReferralCode) error
	GetCode(ctx context.Context, code string) (*types.ReferralCode, error)
	ListCodes(ctx context.Context, referrer string) ([]types.ReferralCode, error)
	CreateBinding(ctx context.Context, b *types.ReferralBinding) error
	GetBinding(ctx context.Context, referred string) (*types.ReferralBinding, error)
	UpdateBinding(ctx context.Context, referred string, mutate func(*types.ReferralBinding) (bool, error)) (*types.ReferralBinding, error)
	GetSettings(ctx context.Context) (types.ReferralSettings, error)
	PutSettings(ctx context.Context, s types.ReferralSettings) error
	GetNonce(ctx context.Context, addr string) (string, error)
	ConsumeNonce(ctx context.Context, addr, nonce string) error
}

// EventLog is the external event-log collaborator used for the
// prior-deposit anti-gaming check.
type EventLog interface {
	HasDepositsBefore(ctx context.Context, user string, before time.Time) (bool, error)
}

// Registry owns referral codes, user->referrer bindings, and the global
// settings. All signature verification and nonce consumption for referral
// flows happens here, in that order.
type Registry struct {
	store    Store
	events   EventLog
	verifier *signing.Verifier
	logger   *zap.Logger
}

func NewRegistry(store Store, events EventLog, verifier *signing.Verifier, logger *zap.Logger) *Registry {
	return &Registry{store: store, events: events, verifier: verifier, logger: logger}
}

// CreateCodeRequest is a signature-authenticated code creation.
type CreateCodeRequest struct {
	Referrer  string
	Nonce     string
	Label     string
	Signature string
}

// CreateCode verifies the request signature, consumes the nonce, and mints
// a new unique code for the referrer. A generated-code collision fails
// closed with ErrConflict rather than retrying silently.
func (r *Registry) CreateCode(ctx context.Context, req CreateCodeRequest) (*types.ReferralCode, error) {
	referrer, err := markets.ChecksumAddress(req.Referrer)
	if err != nil {
		return nil, err
	}
	if err := r.verifier.Verify(signing.TypeCreateCode,
		signing.CreateCodeMessage(referrer, req.Nonce, req.Label), referrer, req.Signature); err != nil {
		return nil, err
	}
	// Nonce burns only after the signature checked out.
	if err := r.store.ConsumeNonce(ctx, referrer, req.Nonce); err != nil {
		return nil, err
	}

	code := &types.ReferralCode{
		Code:      newCode(),
		Referrer:  referrer,
		Label:     req.Label,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.CreateCode(ctx, code); err != nil {
		return nil, err
	}
	r.logger.Info("referral code created",
		zap.String("code", code.Code),
		zap.String("referrer", referrer))
	return code, nil
}

// ListCodes returns the referrer's codes.
func (r *Registry) ListCodes(ctx context.Context, referrer string) ([]types.ReferralCode, error) {
	addr, err := markets.ChecksumAddress(referrer)
	if err != nil {
		return nil, err
	}
	return r.store.ListCodes(ctx, addr)
}

// GetBinding returns the referred address's binding, or nil when unbound.
func (r *Registry) GetBinding(ctx context.Context, referred string) (*types.ReferralBinding, error) {
	addr, err := markets.ChecksumAddress(referred)
	if err != nil {
		return nil, err
	}
	b, err := r.store.GetBinding(ctx, addr)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	return b, err
}

// BindRequest is a signature-authenticated referral binding.
type BindRequest struct {
	Referred      string
	Code          string
	Nonce         string
	Signature     string
	DepositTxHash string
}

// Bind creates the referred address's binding. First bind wins, forever:
// an address with any existing binding (pending or confirmed) is rejected.
// With a deposit tx hash supplied the binding confirms immediately when
// the prior-deposit check passes; otherwise it is created pending.
func (r *Registry) Bind(ctx context.Context, req BindRequest) (*types.ReferralBinding, error) {
	referred, err := markets.ChecksumAddress(req.Referred)
	if err != nil {
		return nil, err
	}
	if req.DepositTxHash != "" && !markets.IsTxHash(req.DepositTxHash) {
		return nil, fmt.Errorf("%w: bad deposit tx hash", types.ErrInvalidInput)
	}
	if err := r.verifier.Verify(signing.TypeBindReferral,
		signing.BindReferralMessage(referred, req.Code, req.Nonce), referred, req.Signature); err != nil {
		return nil, err
	}

	code, err := r.store.GetCode(ctx, req.Code)
	if errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown code %q", types.ErrInvalidInput, req.Code)
	}
	if err != nil {
		return nil, err
	}
	if code.Referrer == referred {
		return nil, fmt.Errorf("%w: self-referral", types.ErrConflict)
	}
	if existing, err := r.store.GetBinding(ctx, referred); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: address already bound", types.ErrConflict)
	}

	if err := r.store.ConsumeNonce(ctx, referred, req.Nonce); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	binding := &types.ReferralBinding{
		Referred: referred,
		Referrer: code.Referrer,
		Code:     code.Code,
		Status:   types.BindingPending,
		BoundAt:  now,
	}
	if req.DepositTxHash != "" {
		prior, err := r.events.HasDepositsBefore(ctx, referred, now)
		if err != nil {
			return nil, err
		}
		if !prior {
			binding.Status = types.BindingConfirmed
			binding.DepositTxHash = req.DepositTxHash
			binding.ConfirmedAt = &now
		}
	}
	// SETNX is the arbiter for concurrent binds racing past the read above.
	if err := r.store.CreateBinding(ctx, binding); err != nil {
		return nil, err
	}
	r.logger.Info("referral bound",
		zap.String("referred", referred),
		zap.String("referrer", binding.Referrer),
		zap.String("status", string(binding.Status)))
	return binding, nil
}

// ConfirmBinding promotes a pending binding to confirmed. Idempotent: a
// re-confirm with the same tx hash is a no-op success. A confirmed binding
// with a different tx, or a referred address with deposits predating the
// binding, is a conflict; the failed case leaves the binding pending.
func (r *Registry) ConfirmBinding(ctx context.Context, referred, depositTxHash string) (*types.ReferralBinding, error) {
	addr, err := markets.ChecksumAddress(referred)
	if err != nil {
		return nil, err
	}
	if !markets.IsTxHash(depositTxHash) {
		return nil, fmt.Errorf("%w: bad deposit tx hash", types.ErrInvalidInput)
	}

	return r.store.UpdateBinding(ctx, addr, func(b *types.ReferralBinding) (bool, error) {
		if b.Status == types.BindingConfirmed {
			if b.DepositTxHash == depositTxHash {
				return false, nil
			}
			return false, fmt.Errorf("%w: already confirmed with a different tx", types.ErrConflict)
		}
		prior, err := r.events.HasDepositsBefore(ctx, addr, b.BoundAt)
		if err != nil {
			return false, err
		}
		if prior {
			return false, fmt.Errorf("%w: deposits predate binding", types.ErrConflict)
		}
		now := time.Now().UTC()
		b.Status = types.BindingConfirmed
		b.DepositTxHash = depositTxHash
		b.ConfirmedAt = &now
		return true, nil
	})
}

// GetSettings returns the current referral settings.
func (r *Registry) GetSettings(ctx context.Context) (types.ReferralSettings, error) {
	return r.store.GetSettings(ctx)
}

// SettingsPatch carries the fields an admin wants to change; nil fields
// retain their previous value.
type SettingsPatch struct {
	MinPayoutUsd              *float64 `json:"minPayoutUsd"`
	ReferrerMarksSharePercent *float64 `json:"referrerMarksSharePercent"`
	ReferrerYieldSharePercent *float64 `json:"referrerYieldSharePercent"`
}

// UpdateSettings merges a patch into the stored settings. Percentages must
// land in [0, 100]; the threshold must be non-negative. Changes apply
// prospectively only.
func (r *Registry) UpdateSettings(ctx context.Context, patch SettingsPatch) (types.ReferralSettings, error) {
	current, err := r.store.GetSettings(ctx)
	if err != nil {
		return types.ReferralSettings{}, err
	}
	if patch.MinPayoutUsd != nil {
		if *patch.MinPayoutUsd < 0 {
			return types.ReferralSettings{}, fmt.Errorf("%w: negative payout threshold", types.ErrInvalidInput)
		}
		current.MinPayoutUsd = *patch.MinPayoutUsd
	}
	if patch.ReferrerMarksSharePercent != nil {
		if *patch.ReferrerMarksSharePercent < 0 || *patch.ReferrerMarksSharePercent > 100 {
			return types.ReferralSettings{}, fmt.Errorf("%w: marks share out of range", types.ErrInvalidInput)
		}
		current.ReferrerMarksSharePercent = *patch.ReferrerMarksSharePercent
	}
	if patch.ReferrerYieldSharePercent != nil {
		if *patch.ReferrerYieldSharePercent < 0 || *patch.ReferrerYieldSharePercent > 100 {
			return types.ReferralSettings{}, fmt.Errorf("%w: yield share out of range", types.ErrInvalidInput)
		}
		current.ReferrerYieldSharePercent = *patch.ReferrerYieldSharePercent
	}
	if err := r.store.PutSettings(ctx, current); err != nil {
		return types.ReferralSettings{}, err
	}
	return current, nil
}

// GetNonce returns the address's next expected nonce.
func (r *Registry) GetNonce(ctx context.Context, addr string) (string, error) {
	a, err := markets.ChecksumAddress(addr)
	if err != nil {
		return "", err
	}
	return r.store.GetNonce(ctx, a)
}

func newCode() string {
	id := uuid.New()
	return codeEncoding.EncodeToString(id[:])[:8]
}
