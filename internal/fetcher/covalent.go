package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"walletpnl/internal/pnl"
)

const defaultBaseURL = "https://api.covalenthq.com"

// Options parameterise the Covalent API client.
type Options struct {
	APIKey           string
	BaseURL          string
	QuoteCurrency    string
	IncludeNFTs      bool
	NoSpam           bool
	PageSize         int
	MaxPages         int
	Timeout          time.Duration
	RetryMaxTries    uint
	RetryInitialWait time.Duration
	UserAgent        string
}

// Covalent fetches balances and transfer history from the Covalent API.
type Covalent struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCovalent constructs a Covalent client.
func NewCovalent(opts Options, logger zerolog.Logger) *Covalent {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if opts.QuoteCurrency == "" {
		opts.QuoteCurrency = "USD"
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 1000
	}
	if opts.RetryMaxTries == 0 {
		opts.RetryMaxTries = 5
	}
	if opts.RetryInitialWait <= 0 {
		opts.RetryInitialWait = time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Covalent{
		opts:    opts,
		logger:  logger.With().Str("component", "covalent_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchBalances retrieves current token balances for a wallet. Zero balances
// and spam tokens (when no-spam filtering is on) are dropped.
func (c *Covalent) FetchBalances(ctx context.Context, chain, wallet string) (WalletBalances, error) {
	query := url.Values{}
	query.Set("quote-currency", c.opts.QuoteCurrency)
	query.Set("nft", strconv.FormatBool(c.opts.IncludeNFTs))
	query.Set("no-spam", strconv.FormatBool(c.opts.NoSpam))

	endpoint := fmt.Sprintf("%s/v1/%s/address/%s/balances_v2/?%s", c.baseURL, chain, wallet, query.Encode())

	var payload struct {
		Data balancesData `json:"data"`
	}
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return WalletBalances{}, fmt.Errorf("fetch balances: %w", err)
	}

	assets := make([]pnl.TokenSnapshot, 0, len(payload.Data.Items))
	for _, item := range payload.Data.Items {
		if item.IsSpam && c.opts.NoSpam {
			continue
		}
		balance, err := scaleRawBalance(item.Balance, item.ContractDecimals)
		if err != nil {
			c.logger.Warn().Err(err).Str("ticker", item.ContractTickerSymbol).Msg("skipping asset with unparseable balance")
			continue
		}
		if balance.IsZero() {
			continue
		}
		ticker := item.ContractTickerSymbol
		if ticker == "" {
			ticker = "UNKNOWN"
		}
		assets = append(assets, pnl.TokenSnapshot{
			Ticker:          ticker,
			ContractAddress: item.ContractAddress,
			Decimals:        item.ContractDecimals,
			Native:          item.NativeToken,
			Balance:         balance,
			CurrentPrice:    decimal.NewFromFloat(item.QuoteRate),
			CurrentValue:    decimal.NewFromFloat(item.Quote),
		})
	}

	chainName := payload.Data.ChainName
	if chainName == "" {
		chainName = chain
	}

	return WalletBalances{
		Wallet:    wallet,
		Chain:     chainName,
		UpdatedAt: payload.Data.UpdatedAt,
		Assets:    assets,
	}, nil
}

// FetchTransfers retrieves the complete transfer history for one token,
// sorted oldest first. Native tokens come from the paginated transactions
// endpoint; ERC-20 tokens from the per-contract transfers endpoint.
func (c *Covalent) FetchTransfers(ctx context.Context, chain, wallet string, token pnl.TokenSnapshot) ([]pnl.Transfer, error) {
	var transfers []pnl.Transfer
	var err error
	if token.Native {
		transfers, err = c.fetchNativeTransfers(ctx, chain, wallet)
	} else {
		transfers, err = c.fetchERC20Transfers(ctx, chain, wallet, token.ContractAddress)
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(transfers, func(i, j int) bool {
		return transfers[i].Timestamp.Before(transfers[j].Timestamp)
	})
	return transfers, nil
}

func (c *Covalent) fetchNativeTransfers(ctx context.Context, chain, wallet string) ([]pnl.Transfer, error) {
	transfers := make([]pnl.Transfer, 0)

	for page := 0; page < c.opts.MaxPages; page++ {
		endpoint := fmt.Sprintf("%s/v1/%s/address/%s/transactions_v3/page/%d/?quote-currency=%s&no-logs=true",
			c.baseURL, chain, wallet, page, url.QueryEscape(c.opts.QuoteCurrency))

		var payload struct {
			Data transactionsData `json:"data"`
		}
		if err := c.getJSON(ctx, endpoint, &payload); err != nil {
			return nil, fmt.Errorf("fetch native transfers page %d: %w", page, err)
		}

		added := 0
		for _, tx := range payload.Data.Items {
			transfer, ok := classifyNativeTx(tx, wallet)
			if !ok {
				continue
			}
			transfers = append(transfers, transfer)
			added++
		}

		c.logger.Debug().Int("page", page).Int("added", added).Msg("native transfer page processed")

		if payload.Data.Links.Next == nil || *payload.Data.Links.Next == "" {
			break
		}
	}

	return transfers, nil
}

func (c *Covalent) fetchERC20Transfers(ctx context.Context, chain, wallet, contract string) ([]pnl.Transfer, error) {
	transfers := make([]pnl.Transfer, 0)

	for page := 0; page < c.opts.MaxPages; page++ {
		query := url.Values{}
		query.Set("quote-currency", c.opts.QuoteCurrency)
		query.Set("contract-address", contract)
		query.Set("page-size", strconv.Itoa(c.opts.PageSize))
		query.Set("page-number", strconv.Itoa(page))

		endpoint := fmt.Sprintf("%s/v1/%s/address/%s/transfers_v2/?%s", c.baseURL, chain, wallet, query.Encode())

		var payload struct {
			Data transfersData `json:"data"`
		}
		if err := c.getJSON(ctx, endpoint, &payload); err != nil {
			return nil, fmt.Errorf("fetch erc20 transfers page %d: %w", page, err)
		}

		added := 0
		for _, tx := range payload.Data.Items {
			if tx.Successful != nil && !*tx.Successful {
				continue
			}
			for _, item := range tx.Transfers {
				transfer, ok := classifyERC20Transfer(tx, item, wallet)
				if !ok {
					continue
				}
				transfers = append(transfers, transfer)
				added++
			}
		}

		c.logger.Debug().Int("page", page).Int("added", added).Msg("erc20 transfer page processed")

		if payload.Data.Pagination == nil || !payload.Data.Pagination.HasMore {
			break
		}
	}

	return transfers, nil
}

// classifyNativeTx decides whether a transaction is an IN or OUT transfer of
// the native token for the wallet. Transactions not involving the wallet on
// either side, failed transactions, and zero-value transactions are dropped.
func classifyNativeTx(tx txItem, wallet string) (pnl.Transfer, bool) {
	if tx.Successful != nil && !*tx.Successful {
		return pnl.Transfer{}, false
	}

	raw, ok := new(big.Int).SetString(tx.Value, 10)
	if !ok || raw.Sign() <= 0 {
		return pnl.Transfer{}, false
	}

	incoming := addressEqual(tx.ToAddress, wallet)
	outgoing := addressEqual(tx.FromAddress, wallet)
	if !incoming && !outgoing {
		return pnl.Transfer{}, false
	}

	direction := pnl.DirectionIn
	gas := decimal.Zero
	if !incoming {
		direction = pnl.DirectionOut
		// Only the sending side pays gas.
		gas = decimal.NewFromFloat(tx.GasQuote)
	}

	return pnl.Transfer{
		TxHash:    tx.TxHash,
		Timestamp: tx.BlockSignedAt,
		Direction: direction,
		Quantity:  decimal.NewFromBigInt(raw, -18),
		USDValue:  decimal.NewFromFloat(tx.ValueQuote).Abs(),
		GasUSD:    gas,
	}, true
}

func classifyERC20Transfer(tx transferTx, item transferItem, wallet string) (pnl.Transfer, bool) {
	raw, ok := new(big.Int).SetString(item.Delta, 10)
	if !ok || raw.Sign() <= 0 {
		return pnl.Transfer{}, false
	}

	incoming := addressEqual(item.ToAddress, wallet)
	outgoing := addressEqual(item.FromAddress, wallet)
	if !incoming && !outgoing {
		return pnl.Transfer{}, false
	}

	decimals := item.ContractDecimals
	if decimals <= 0 {
		decimals = 18
	}

	direction := pnl.DirectionIn
	gas := decimal.Zero
	if !incoming {
		direction = pnl.DirectionOut
		gas = decimal.NewFromFloat(tx.GasQuote)
	}

	return pnl.Transfer{
		TxHash:    tx.TxHash,
		Timestamp: tx.BlockSignedAt,
		Direction: direction,
		Quantity:  decimal.NewFromBigInt(raw, -int32(decimals)),
		USDValue:  decimal.NewFromFloat(item.DeltaQuote).Abs(),
		GasUSD:    gas,
	}, true
}

// getJSON performs a GET with bearer auth, retrying rate-limited and
// server-side failures with exponential backoff.
func (c *Covalent) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
		if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
			req.Header.Set("User-Agent", ua)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return payload, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, parseHTTPError(resp.StatusCode, payload)
		default:
			return nil, backoff.Permanent(parseHTTPError(resp.StatusCode, payload))
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.RetryInitialWait

	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Dur("backoff", wait).Msg("retrying covalent request")
	}

	payload, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.opts.RetryMaxTries),
		backoff.WithNotify(notify))
	if err != nil {
		return err
	}

	var envelope struct {
		Error        bool   `json:"error"`
		ErrorMessage string `json:"error_message"`
		ErrorCode    int    `json:"error_code"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error {
		return fmt.Errorf("covalent api error (%d): %s", envelope.ErrorCode, envelope.ErrorMessage)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr struct {
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.ErrorMessage != "" {
		return fmt.Errorf("covalent api error (%d): %s", status, apiErr.ErrorMessage)
	}
	if len(payload) > 0 {
		return fmt.Errorf("covalent api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("covalent api error (%d)", status)
}

// addressEqual compares two hex addresses case-insensitively.
func addressEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// scaleRawBalance converts a raw integer balance string into token units.
func scaleRawBalance(raw string, decimals int) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return decimal.Decimal{}, errors.New("invalid raw balance: " + raw)
	}
	if decimals <= 0 {
		decimals = 18
	}
	return decimal.NewFromBigInt(value, -int32(decimals)), nil
}

type balancesData struct {
	Address   string        `json:"address"`
	ChainName string        `json:"chain_name"`
	UpdatedAt time.Time     `json:"updated_at"`
	Items     []balanceItem `json:"items"`
}

type balanceItem struct {
	ContractDecimals     int     `json:"contract_decimals"`
	ContractTickerSymbol string  `json:"contract_ticker_symbol"`
	ContractAddress      string  `json:"contract_address"`
	NativeToken          bool    `json:"native_token"`
	Type                 string  `json:"type"`
	IsSpam               bool    `json:"is_spam"`
	Balance              string  `json:"balance"`
	QuoteRate            float64 `json:"quote_rate"`
	Quote                float64 `json:"quote"`
}

type transactionsData struct {
	CurrentPage int      `json:"current_page"`
	Items       []txItem `json:"items"`
	Links       struct {
		Prev *string `json:"prev"`
		Next *string `json:"next"`
	} `json:"links"`
}

type txItem struct {
	TxHash        string    `json:"tx_hash"`
	BlockSignedAt time.Time `json:"block_signed_at"`
	FromAddress   string    `json:"from_address"`
	ToAddress     string    `json:"to_address"`
	Value         string    `json:"value"`
	ValueQuote    float64   `json:"value_quote"`
	GasQuote      float64   `json:"gas_quote"`
	Successful    *bool     `json:"successful"`
}

type transfersData struct {
	Items      []transferTx `json:"items"`
	Pagination *pagination  `json:"pagination"`
}

type transferTx struct {
	TxHash        string         `json:"tx_hash"`
	BlockSignedAt time.Time      `json:"block_signed_at"`
	Successful    *bool          `json:"successful"`
	GasQuote      float64        `json:"gas_quote"`
	Transfers     []transferItem `json:"transfers"`
}

type transferItem struct {
	FromAddress      string  `json:"from_address"`
	ToAddress        string  `json:"to_address"`
	Delta            string  `json:"delta"`
	DeltaQuote       float64 `json:"delta_quote"`
	ContractDecimals int     `json:"contract_decimals"`
}

type pagination struct {
	HasMore    bool `json:"has_more"`
	PageNumber int  `json:"page_number"`
	PageSize   int  `json:"page_size"`
}

var (
	_ BalanceFetcher  = (*Covalent)(nil)
	_ TransferFetcher = (*Covalent)(nil)
)
