package signing

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/fx-markets/refyield/pkg/types"
)

// Message schemas. Signature and storage must agree byte for byte, so vote
// allocations are normalized (see NormalizeAllocations) before hashing.
const (
	TypeCreateCode     = "CreateCode"
	TypeBindReferral   = "BindReferral"
	TypeVoteAllocation = "VoteAllocation"
)

var schemaTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	},
	TypeCreateCode: {
		{Name: "referrer", Type: "address"},
		{Name: "nonce", Type: "string"},
		{Name: "label", Type: "string"},
	},
	TypeBindReferral: {
		{Name: "referred", Type: "address"},
		{Name: "code", Type: "string"},
		{Name: "nonce", Type: "string"},
	},
	TypeVoteAllocation: {
		{Name: "voter", Type: "address"},
		{Name: "nonce", Type: "string"},
		{Name: "allocations", Type: "Allocation[]"},
	},
	"Allocation": {
		{Name: "feedId", Type: "string"},
		{Name: "points", Type: "uint256"},
	},
}

// Verifier checks EIP-712 typed-data signatures against a claimed signer.
type Verifier struct {
	domain apitypes.TypedDataDomain
}

// NewVerifier builds a verifier for the given chain ID. The domain is fixed
// per deployment; wallets must present the same one.
func NewVerifier(chainID int64) *Verifier {
	return &Verifier{
		domain: apitypes.TypedDataDomain{
			Name:    "FxUSD Referral",
			Version: "1",
			ChainId: math.NewHexOrDecimal256(chainID),
		},
	}
}

// Verify reports whether sig is a valid signature by signer over the typed
// message. It never consumes nonces; callers burn the nonce only after
// this returns true.
func (v *Verifier) Verify(primaryType string, message apitypes.TypedDataMessage, signer string, sigHex string) error {
	if _, ok := schemaTypes[primaryType]; !ok {
		return fmt.Errorf("%w: unknown message type %q", types.ErrInvalidInput, primaryType)
	}
	if !common.IsHexAddress(signer) {
		return fmt.Errorf("%w: bad signer address %q", types.ErrInvalidInput, signer)
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != 65 {
		return fmt.Errorf("%w: malformed signature", types.ErrUnauthorized)
	}

	digest, err := v.digest(primaryType, message)
	if err != nil {
		return err
	}

	// Wallets emit V as 27/28; go-ethereum wants 0/1.
	rec := make([]byte, 65)
	copy(rec, sig)
	if rec[64] >= 27 {
		rec[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, rec)
	if err != nil {
		return fmt.Errorf("%w: signature recovery failed", types.ErrUnauthorized)
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(signer) {
		return fmt.Errorf("%w: signer mismatch", types.ErrUnauthorized)
	}
	return nil
}

// Digest returns the EIP-712 signing hash for a message under the
// deployment domain. Wallets and tooling sign exactly these bytes.
func (v *Verifier) Digest(primaryType string, message apitypes.TypedDataMessage) ([]byte, error) {
	return v.digest(primaryType, message)
}

func (v *Verifier) digest(primaryType string, message apitypes.TypedDataMessage) ([]byte, error) {
	td := apitypes.TypedData{
		Types:       schemaTypes,
		PrimaryType: primaryType,
		Domain:      v.domain,
		Message:     message,
	}
	domainSep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("%w: domain hash: %v", types.ErrInvalidInput, err)
	}
	msgHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: message hash: %v", types.ErrInvalidInput, err)
	}
	var buf bytes.Buffer
	buf.WriteByte(0x19)
	buf.WriteByte(0x01)
	buf.Write(domainSep)
	buf.Write(msgHash)
	return crypto.Keccak256(buf.Bytes()), nil
}

// CreateCodeMessage builds the typed message for code creation.
func CreateCodeMessage(referrer, nonce, label string) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"referrer": referrer,
		"nonce":    nonce,
		"label":    label,
	}
}

// BindReferralMessage builds the typed message for referral binding.
func BindReferralMessage(referred, code, nonce string) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"referred": referred,
		"code":     code,
		"nonce":    nonce,
	}
}

// VoteMessage builds the typed message for a normalized allocation set.
func VoteMessage(voter, nonce string, allocations []types.VoteAllocation) apitypes.TypedDataMessage {
	allocs := make([]interface{}, 0, len(allocations))
	for _, a := range allocations {
		allocs = append(allocs, map[string]interface{}{
			"feedId": a.FeedID,
			"points": math.NewHexOrDecimal256(int64(a.Points)),
		})
	}
	return apitypes.TypedDataMessage{
		"voter":       voter,
		"nonce":       nonce,
		"allocations": allocs,
	}
}

// NormalizeAllocations dedupes by feedId (last entry wins), drops zero
// points, caps points per feed, and sorts by feedId, so the signed bytes
// and the stored ballot agree.
func NormalizeAllocations(in []types.VoteAllocation) []types.VoteAllocation {
	byFeed := make(map[string]uint64, len(in))
	for _, a := range in {
		if a.FeedID == "" || a.Points == 0 {
			continue
		}
		points := a.Points
		if points > types.MaxPointsPerFeed {
			points = types.MaxPointsPerFeed
		}
		byFeed[a.FeedID] = points
	}
	out := make([]types.VoteAllocation, 0, len(byFeed))
	for feed, points := range byFeed {
		out = append(out, types.VoteAllocation{FeedID: feed, Points: points})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeedID < out[j].FeedID })
	return out
}
