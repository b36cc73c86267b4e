package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"walletpnl/internal/pnl"
)

const testWallet = "0x00000000219ab540356cBB839Cbe05303d7705Fa"

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestCovalent(baseURL string) *Covalent {
	return NewCovalent(Options{
		APIKey:           "cqt_test",
		BaseURL:          baseURL,
		NoSpam:           true,
		Timeout:          time.Second,
		RetryMaxTries:    3,
		RetryInitialWait: time.Millisecond,
	}, noopLogger())
}

func TestFetchBalances(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/balances_v2/") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer cqt_test" {
			t.Fatalf("missing bearer auth, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"chain_name": "eth-mainnet",
				"updated_at": time.Now().UTC(),
				"items": []map[string]any{
					{
						"contract_decimals":      18,
						"contract_ticker_symbol": "ETH",
						"native_token":           true,
						"balance":                "2000000000000000000",
						"quote_rate":             1500.0,
						"quote":                  3000.0,
					},
					{
						"contract_decimals":      6,
						"contract_ticker_symbol": "SCAM",
						"is_spam":                true,
						"balance":                "5000000",
					},
					{
						"contract_decimals":      6,
						"contract_ticker_symbol": "USDC",
						"balance":                "0",
					},
				},
			},
			"error": false,
		})
	}))
	defer srv.Close()

	c := newTestCovalent(srv.URL)
	balances, err := c.FetchBalances(context.Background(), "eth-mainnet", testWallet)
	if err != nil {
		t.Fatalf("FetchBalances: %v", err)
	}

	if balances.Chain != "eth-mainnet" {
		t.Fatalf("chain = %q", balances.Chain)
	}
	if len(balances.Assets) != 1 {
		t.Fatalf("expected spam and zero balances dropped, got %d assets", len(balances.Assets))
	}

	eth := balances.Assets[0]
	if !eth.Balance.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("balance = %s, want 2", eth.Balance)
	}
	if !eth.Native {
		t.Fatal("expected native token flag")
	}
	if !eth.CurrentPrice.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("price = %s", eth.CurrentPrice)
	}
}

func TestFetchNativeTransferClassification(t *testing.T) {
	other := "0x1111111111111111111111111111111111111111"
	third := "0x2222222222222222222222222222222222222222"
	failed := false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"items": []map[string]any{
					{ // incoming, counterparty pays gas
						"tx_hash":         "0xaa",
						"block_signed_at": time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
						"from_address":    other,
						"to_address":      strings.ToLower(testWallet),
						"value":           "1000000000000000000",
						"value_quote":     1500.0,
						"gas_quote":       2.5,
					},
					{ // outgoing, wallet pays gas
						"tx_hash":         "0xbb",
						"block_signed_at": time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
						"from_address":    testWallet,
						"to_address":      other,
						"value":           "500000000000000000",
						"value_quote":     800.0,
						"gas_quote":       3.0,
					},
					{ // wallet not involved
						"tx_hash":      "0xcc",
						"from_address": other,
						"to_address":   third,
						"value":        "1",
					},
					{ // reverted
						"tx_hash":      "0xdd",
						"from_address": testWallet,
						"to_address":   other,
						"value":        "1",
						"successful":   &failed,
					},
					{ // zero value
						"tx_hash":      "0xee",
						"from_address": testWallet,
						"to_address":   other,
						"value":        "0",
					},
				},
				"links": map[string]any{"next": nil},
			},
		})
	}))
	defer srv.Close()

	c := newTestCovalent(srv.URL)
	transfers, err := c.FetchTransfers(context.Background(), "eth-mainnet", testWallet, pnl.TokenSnapshot{Native: true})
	if err != nil {
		t.Fatalf("FetchTransfers: %v", err)
	}

	if len(transfers) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(transfers))
	}

	first := transfers[0]
	if first.Direction != pnl.DirectionIn {
		t.Fatalf("first transfer direction = %s", first.Direction)
	}
	if !first.Quantity.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("first quantity = %s", first.Quantity)
	}
	if !first.GasUSD.IsZero() {
		t.Fatalf("receiving side must not carry gas, got %s", first.GasUSD)
	}

	second := transfers[1]
	if second.Direction != pnl.DirectionOut {
		t.Fatalf("second transfer direction = %s", second.Direction)
	}
	if !second.GasUSD.Equal(decimal.NewFromFloat(3.0)) {
		t.Fatalf("sending side gas = %s", second.GasUSD)
	}
}

func TestFetchERC20TransfersPagination(t *testing.T) {
	contract := "0x3333333333333333333333333333333333333333"
	other := "0x1111111111111111111111111111111111111111"
	var pages atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page-number")
		pages.Add(1)
		hasMore := page == "0"
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"items": []map[string]any{
					{
						"tx_hash":         "0x" + page,
						"block_signed_at": time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).Add(time.Hour),
						"gas_quote":       1.0,
						"transfers": []map[string]any{
							{
								"from_address":      other,
								"to_address":        testWallet,
								"delta":             "1000000",
								"delta_quote":       1.0,
								"contract_decimals": 6,
							},
						},
					},
				},
				"pagination": map[string]any{"has_more": hasMore},
			},
		})
	}))
	defer srv.Close()

	c := newTestCovalent(srv.URL)
	token := pnl.TokenSnapshot{ContractAddress: contract, Decimals: 6}
	transfers, err := c.FetchTransfers(context.Background(), "eth-mainnet", testWallet, token)
	if err != nil {
		t.Fatalf("FetchTransfers: %v", err)
	}

	if got := pages.Load(); got != 2 {
		t.Fatalf("expected 2 pages fetched, got %d", got)
	}
	if len(transfers) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(transfers))
	}
	if !transfers[0].Quantity.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("quantity = %s", transfers[0].Quantity)
	}
}

func TestGetJSONRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error_message":"rate limited"}`)
			return
		}
		fmt.Fprint(w, `{"data":{"items":[]},"error":false}`)
	}))
	defer srv.Close()

	c := newTestCovalent(srv.URL)
	if _, err := c.FetchBalances(context.Background(), "eth-mainnet", testWallet); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestGetJSONClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error_message":"bad key"}`)
	}))
	defer srv.Close()

	c := newTestCovalent(srv.URL)
	_, err := c.FetchBalances(context.Background(), "eth-mainnet", testWallet)
	if err == nil {
		t.Fatal("expected error for HTTP 401")
	}
	if !strings.Contains(err.Error(), "bad key") {
		t.Fatalf("error should carry api message, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("client errors must not be retried, got %d attempts", calls.Load())
	}
}

func TestAddressEqual(t *testing.T) {
	if !addressEqual(strings.ToLower(testWallet), testWallet) {
		t.Fatal("address comparison must be case-insensitive")
	}
	if addressEqual("", testWallet) {
		t.Fatal("empty address must not match")
	}
}
