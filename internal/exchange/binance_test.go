package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"binance-grid-engine-go/internal/errs"
	"binance-grid-engine-go/internal/models"
)

const (
	testAPIKey    = "test-api-key"
	testSecretKey = "test-secret-key"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// serveTime answers /api/v3/time with the local clock plus an offset.
func serveTime(w http.ResponseWriter, offset time.Duration) {
	fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().Add(offset).UnixMilli())
}

func newTestClient(t *testing.T, endpoints ...string) *Client {
	t.Helper()
	c, err := NewClient(testAPIKey, testSecretKey, endpoints, "", nil, testLogger())
	require.NoError(t, err)
	return c
}

func TestSignedRequestCarriesSignatureAndKey(t *testing.T) {
	var gotKey string
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/time" {
			serveTime(w, 0)
			return
		}
		gotKey = r.Header.Get("X-MBX-APIKEY")
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `{"balances":[]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.AccountBalances(context.Background())
	require.NoError(t, err)

	assert.Equal(t, testAPIKey, gotKey)
	assert.Contains(t, gotQuery, "timestamp=")
	assert.Contains(t, gotQuery, "recvWindow=5000")

	// The signature must cover everything before &signature=.
	idx := -1
	for i := 0; i+11 <= len(gotQuery); i++ {
		if gotQuery[i:i+11] == "&signature=" {
			idx = i
			break
		}
	}
	require.GreaterOrEqual(t, idx, 0, "query %q has no signature", gotQuery)
	payload, sig := gotQuery[:idx], gotQuery[idx+11:]
	mac := hmac.New(sha256.New, []byte(testSecretKey))
	mac.Write([]byte(payload))
	assert.Equal(t, fmt.Sprintf("%x", mac.Sum(nil)), sig)
}

func TestTimestampDriftResyncsAndRetries(t *testing.T) {
	var orderCalls, timeCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/time" {
			timeCalls.Add(1)
			serveTime(w, 90*time.Second)
			return
		}
		if orderCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`)
			return
		}
		fmt.Fprint(w, `{"orderId":7,"clientOrderId":"c1","price":"41522.22","origQty":"0.00486",
			"executedQty":"0","status":"NEW","side":"SELL","transactTime":1700000000000}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	syncsBefore := timeCalls.Load()

	o, err := c.PlaceLimit(context.Background(), "BTCUSDT", models.Sell,
		decimal.RequireFromString("0.00486"), decimal.RequireFromString("41522.22"), "c1")
	require.NoError(t, err)

	assert.Equal(t, "7", o.OrderID)
	assert.Equal(t, int64(2), orderCalls.Load(), "drift must retry the order once")
	assert.Greater(t, timeCalls.Load(), syncsBefore, "drift must force a clock resync")
}

func TestTransientErrorsRotateMirrors(t *testing.T) {
	var primaryCalls, mirrorCalls atomic.Int64

	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/time" {
			serveTime(w, 0)
			return
		}
		mirrorCalls.Add(1)
		fmt.Fprint(w, `{"price":"42000.00"}`)
	}))
	defer mirror.Close()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/time" {
			serveTime(w, 0)
			return
		}
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"code":-1001,"msg":"internal error"}`)
	}))
	defer primary.Close()

	c := newTestClient(t, primary.URL, mirror.URL)
	p, err := c.LastPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	assert.True(t, p.Equal(decimal.RequireFromString("42000.00")))
	assert.Equal(t, int64(1), primaryCalls.Load())
	assert.Equal(t, int64(1), mirrorCalls.Load())
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   errs.Kind
	}{
		{"insufficient balance", 400, `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`, errs.InsufficientBalance},
		{"unknown order", 400, `{"code":-2011,"msg":"Unknown order sent."}`, errs.NotFound},
		{"filter failure", 400, `{"code":-1013,"msg":"Filter failure: MIN_NOTIONAL"}`, errs.InvalidConfig},
		{"rate limited", 429, `{"code":-1003,"msg":"Too many requests."}`, errs.RateLimited},
		{"banned", 418, `{"code":-1003,"msg":"Way too many requests; IP banned."}`, errs.RateLimited},
		{"other 4xx", 400, `{"code":-1102,"msg":"Mandatory parameter was not sent."}`, errs.ExchangeTerminal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var apiErr models.APIError
			require.NoError(t, json.Unmarshal([]byte(tc.body), &apiErr))
			err := classifyAPIError(tc.status, &apiErr)
			assert.Equal(t, tc.want, errs.KindOf(err))
		})
	}
}

func TestCancelTerminalOrderIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/time" {
			serveTime(w, 0)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2011,"msg":"Unknown order sent."}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.Cancel(context.Background(), "BTCUSDT", "12345")
	assert.NoError(t, err)
}

func TestRateLimitGivesUpAfterBackoffs(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/time" {
			serveTime(w, 0)
			return
		}
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"code":-1003,"msg":"Too many requests."}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.LastPrice(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.Equal(t, errs.RateLimited, errs.KindOf(err))
	assert.Equal(t, int64(len(restBackoffs)+1), calls.Load())
}

func TestSymbolInfoParsesFiltersAndCaches(t *testing.T) {
	var infoCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/time" {
			serveTime(w, 0)
			return
		}
		infoCalls.Add(1)
		fmt.Fprint(w, `{"symbols":[{"symbol":"BTCUSDT","baseAsset":"BTC","quoteAsset":"USDT",
			"filters":[
				{"filterType":"PRICE_FILTER","tickSize":"0.01000000"},
				{"filterType":"LOT_SIZE","stepSize":"0.00001000","minQty":"0.00001000"},
				{"filterType":"NOTIONAL","minNotional":"10.00000000"}
			]}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	f, err := c.SymbolInfo(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, "BTC", f.BaseAsset)
	assert.Equal(t, "USDT", f.QuoteAsset)
	assert.True(t, f.TickSize.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, f.StepSize.Equal(decimal.RequireFromString("0.00001")))
	assert.True(t, f.MinNotional.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, int32(2), f.PricePrecision)
	assert.Equal(t, int32(5), f.QuantityPrecision)

	_, err = c.SymbolInfo(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(1), infoCalls.Load(), "second read must come from cache")
}

func TestParseOrderWeightsFills(t *testing.T) {
	c := &Client{log: testLogger()}
	body := []byte(`{"orderId":42,"clientOrderId":"gb-1","price":"44444.44","origQty":"0.00450",
		"executedQty":"0.00450","cummulativeQuoteQty":"200.00",
		"status":"FILLED","side":"BUY","transactTime":1700000000000,
		"fills":[
			{"price":"44444.00","qty":"0.00225","commission":"0.00000225","commissionAsset":"BTC"},
			{"price":"44445.00","qty":"0.00225","commission":"0.00000225","commissionAsset":"BTC"}
		]}`)

	o, err := c.parseOrder(body)
	require.NoError(t, err)

	assert.Equal(t, "42", o.OrderID)
	assert.Equal(t, models.OrderFilled, o.Status)
	assert.True(t, o.ExecutedPrice.Equal(decimal.RequireFromString("44444.5")), "got %s", o.ExecutedPrice)
	assert.True(t, o.Commission.Equal(decimal.RequireFromString("0.0000045")))
	assert.Equal(t, "BTC", o.CommissionAsset)
}

func TestParseOrderFilledFallsBackToRequestedPrice(t *testing.T) {
	c := &Client{log: testLogger()}
	body := []byte(`{"orderId":43,"price":"44444.44","origQty":"0.00450",
		"executedQty":"0.00000","cummulativeQuoteQty":"0.00000",
		"status":"FILLED","side":"BUY","transactTime":1700000000000}`)

	o, err := c.parseOrder(body)
	require.NoError(t, err)

	assert.True(t, o.ExecutedQty.Equal(decimal.RequireFromString("0.0045")))
	assert.True(t, o.ExecutedPrice.Equal(decimal.RequireFromString("44444.44")))
}

func TestSimFillsCrossedLimits(t *testing.T) {
	sim := NewSim()
	sim.AddSymbol(&models.SymbolFilters{
		Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT",
		TickSize: decimal.RequireFromString("0.01"), StepSize: decimal.RequireFromString("0.00001"),
		PricePrecision: 2, QuantityPrecision: 5,
	}, decimal.NewFromInt(45000))
	sim.Deposit("USDT", decimal.NewFromInt(1000))

	reports, cancel, err := sim.UserStream(context.Background())
	require.NoError(t, err)
	defer cancel()

	o, err := sim.PlaceLimit(context.Background(), "BTCUSDT", models.Buy,
		decimal.RequireFromString("0.0045"), decimal.NewFromInt(44000), "c-"+strconv.Itoa(1))
	require.NoError(t, err)
	require.Equal(t, models.OrderNew, o.Status)

	sim.SetPrice("BTCUSDT", decimal.NewFromInt(43900))

	select {
	case r := <-reports:
		assert.Equal(t, o.OrderID, r.OrderID)
		assert.Equal(t, models.OrderFilled, r.Status)
		assert.True(t, r.ExecutedPrice.Equal(decimal.NewFromInt(44000)))
	case <-time.After(time.Second):
		t.Fatal("no execution report after crossing fill")
	}

	// Commission was taken from the received base asset.
	base, err := sim.AssetBalance(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, base.Free.Equal(decimal.RequireFromString("0.0044955")), "got %s", base.Free)
}
