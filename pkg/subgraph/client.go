package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fx-markets/refyield/pkg/retry"
	"github.com/fx-markets/refyield/pkg/types"
	"github.com/fx-markets/refyield/pkg/utils"
)

// TransferEvent is a genesis deposit or withdrawal row from the event log,
// ID-ordered for cursor pagination.
type TransferEvent struct {
	ID            string       `json:"id"`
	User          string       `json:"user"`
	Genesis       string       `json:"genesis"`
	AmountWrapped types.Amount `json:"amountWrapped"`
	BlockNumber   uint64       `json:"blockNumber,string"`
	Timestamp     int64        `json:"timestamp,string"`
}

// MarksEvent is a marks-per-day points row.
type MarksEvent struct {
	ID        string `json:"id"`
	User      string `json:"user"`
	Points    uint64 `json:"points,string"`
	Day       string `json:"day"`
	Timestamp int64  `json:"timestamp,string"`
}

// Client queries the protocol subgraph: paginated, ID-ordered event reads
// plus the prior-deposit existence check behind binding confirmation.
type Client struct {
	url      string
	http     *http.Client
	retryCfg retry.Config
	logger   *zap.Logger
}

// New builds a client for SUBGRAPH_URL.
func New(logger *zap.Logger) *Client {
	return &Client{
		url:      utils.Env("SUBGRAPH_URL", "http://localhost:8000/subgraphs/name/fx-markets/refyield"),
		http:     &http.Client{Timeout: 15 * time.Second},
		retryCfg: retry.DefaultConfig(),
		logger:   logger,
	}
}

// NewWithURL builds a client for an explicit endpoint; tests point this at
// an httptest server.
func NewWithURL(url string, logger *zap.Logger) *Client {
	c := New(logger)
	c.url = url
	return c
}

const depositsQuery = `query($after: String!, $first: Int!) {
  deposits(where: {id_gt: $after}, orderBy: id, orderDirection: asc, first: $first) {
    id user genesis amountWrapped blockNumber timestamp
  }
}`

const withdrawalsQuery = `query($after: String!, $first: Int!) {
  withdrawals(where: {id_gt: $after}, orderBy: id, orderDirection: asc, first: $first) {
    id user genesis amountWrapped blockNumber timestamp
  }
}`

const marksQuery = `query($after: String!, $first: Int!) {
  marksEvents(where: {id_gt: $after}, orderBy: id, orderDirection: asc, first: $first) {
    id user points day timestamp
  }
}`

const priorDepositsQuery = `query($user: String!, $before: String!) {
  deposits(where: {user: $user, timestamp_lt: $before}, first: 1) { id }
}`

// Deposits returns up to limit deposit events with ID strictly greater
// than after, in ID order.
func (c *Client) Deposits(ctx context.Context, after string, limit int) ([]TransferEvent, error) {
	var out struct {
		Deposits []TransferEvent `json:"deposits"`
	}
	if err := c.query(ctx, "deposits", depositsQuery, map[string]any{"after": after, "first": limit}, &out); err != nil {
		return nil, err
	}
	return out.Deposits, nil
}

// Withdrawals returns up to limit withdrawal events after the cursor.
func (c *Client) Withdrawals(ctx context.Context, after string, limit int) ([]TransferEvent, error) {
	var out struct {
		Withdrawals []TransferEvent `json:"withdrawals"`
	}
	if err := c.query(ctx, "withdrawals", withdrawalsQuery, map[string]any{"after": after, "first": limit}, &out); err != nil {
		return nil, err
	}
	return out.Withdrawals, nil
}

// Marks returns up to limit marks events after the cursor.
func (c *Client) Marks(ctx context.Context, after string, limit int) ([]MarksEvent, error) {
	var out struct {
		MarksEvents []MarksEvent `json:"marksEvents"`
	}
	if err := c.query(ctx, "marks", marksQuery, map[string]any{"after": after, "first": limit}, &out); err != nil {
		return nil, err
	}
	return out.MarksEvents, nil
}

// HasDepositsBefore reports whether the user deposited before the given
// time. Referrals apply only to genuinely new depositors.
func (c *Client) HasDepositsBefore(ctx context.Context, user string, before time.Time) (bool, error) {
	var out struct {
		Deposits []struct {
			ID string `json:"id"`
		} `json:"deposits"`
	}
	vars := map[string]any{"user": user, "before": fmt.Sprintf("%d", before.Unix())}
	if err := c.query(ctx, "priorDeposits", priorDepositsQuery, vars, &out); err != nil {
		return false, err
	}
	return len(out.Deposits) > 0, nil
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlError struct {
	Message string `json:"message"`
}

// query POSTs a GraphQL document and decodes data into out, retrying
// transient failures. A terminal failure surfaces as
// ErrUpstreamUnavailable, never as an empty result.
func (c *Client) query(ctx context.Context, operation, document string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: document, Variables: vars})
	if err != nil {
		return fmt.Errorf("marshal %s query: %w", operation, err)
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = utils.DrainAndClose(resp.Body) }()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("subgraph returned %d", resp.StatusCode)
		}

		var envelope struct {
			Data   json.RawMessage `json:"data"`
			Errors []graphqlError  `json:"errors"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if len(envelope.Errors) > 0 {
			return fmt.Errorf("graphql error: %s", envelope.Errors[0].Message)
		}
		return json.Unmarshal(envelope.Data, out)
	}

	if err := retry.WithBackoff(ctx, c.retryCfg, c.logger, "subgraph:"+operation, attempt); err != nil {
		return fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
	}
	return nil
}
