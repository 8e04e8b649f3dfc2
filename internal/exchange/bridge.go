package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Venue response codes the bridge passes through unchanged.
const (
	codeOK                       = "0"
	codeParameterError           = "51000"
	codeOrderDoesNotExist        = "51603"
	codeWithdrawalIDDoesNotExist = "58215"
)

// BridgeConfig configures the HTTP bridge client.
type BridgeConfig struct {
	BaseURL    string
	Instrument string
	Timeout    time.Duration
	RetryCount int
}

// BridgeClient implements Client against the venue sidecar:
//
//	GET  /v1/position?instrument=...
//	POST /v1/orders                   {client_order_id, instrument_id, side, contracts}
//	POST /v1/positions/close          {client_order_id, instrument_id}
//	GET  /v1/orders/{client_order_id}?instrument=...
//	GET  /v1/transfers/{client_id}
//	GET  /v1/deposits?address=...&amount=...
//
// Every response is an envelope {"code","msg","data"}; code "0" is success.
type BridgeClient struct {
	client     *resty.Client
	instrument string
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// NewBridgeClient creates a bridge client. Only GET requests are retried;
// order placement relies on the deterministic client id instead.
func NewBridgeClient(cfg BridgeConfig) *BridgeClient {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "hedge-engine/bridge").
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || resp.StatusCode() >= http.StatusInternalServerError
		})

	return &BridgeClient{client: client, instrument: cfg.Instrument}
}

func (c *BridgeClient) Position(ctx context.Context) (Position, error) {
	var out Position
	err := c.do(ctx, http.MethodGet, "/v1/position", func(r *resty.Request) {
		r.SetQueryParam("instrument", c.instrument)
	}, &out)
	return out, err
}

func (c *BridgeClient) PlaceOrder(ctx context.Context, clientOrderID string, side Side, contracts uint32) error {
	body := map[string]any{
		"client_order_id": clientOrderID,
		"instrument_id":   c.instrument,
		"side":            side,
		"contracts":       contracts,
	}
	return c.do(ctx, http.MethodPost, "/v1/orders", func(r *resty.Request) {
		r.SetBody(body)
	}, nil)
}

func (c *BridgeClient) ClosePositions(ctx context.Context, clientOrderID string) error {
	body := map[string]any{
		"client_order_id": clientOrderID,
		"instrument_id":   c.instrument,
	}
	return c.do(ctx, http.MethodPost, "/v1/positions/close", func(r *resty.Request) {
		r.SetBody(body)
	}, nil)
}

func (c *BridgeClient) OrderDetails(ctx context.Context, clientOrderID string) (OrderDetails, error) {
	var out OrderDetails
	err := c.do(ctx, http.MethodGet, "/v1/orders/{client_order_id}", func(r *resty.Request) {
		r.SetPathParam("client_order_id", clientOrderID)
		r.SetQueryParam("instrument", c.instrument)
	}, &out)
	return out, err
}

func (c *BridgeClient) TransferStateByClientID(ctx context.Context, clientID string) (TransferDetails, error) {
	var out TransferDetails
	err := c.do(ctx, http.MethodGet, "/v1/transfers/{client_id}", func(r *resty.Request) {
		r.SetPathParam("client_id", clientID)
	}, &out)
	return out, err
}

func (c *BridgeClient) FetchDeposit(ctx context.Context, address string, amount decimal.Decimal) (DepositDetails, error) {
	var out DepositDetails
	err := c.do(ctx, http.MethodGet, "/v1/deposits", func(r *resty.Request) {
		r.SetQueryParam("address", address)
		r.SetQueryParam("amount", amount.String())
	}, &out)
	return out, err
}

// do executes one request and decodes the envelope's data into out.
func (c *BridgeClient) do(ctx context.Context, method, path string, build func(*resty.Request), out any) error {
	req := c.client.R().SetContext(ctx)
	if build != nil {
		build(req)
	}
	if method == http.MethodPost {
		req.SetHeader("Content-Type", "application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return &Error{Kind: KindTransport, Err: errors.Wrapf(err, "%s %s", method, path)}
	}

	var env envelope
	if jerr := json.Unmarshal(resp.Body(), &env); jerr != nil || env.Code == "" {
		if resp.IsError() {
			return &Error{
				Kind: KindUnexpectedResponse,
				Code: strconv.Itoa(resp.StatusCode()),
				Msg:  strings.TrimSpace(string(resp.Body())),
			}
		}
		if jerr == nil {
			jerr = errors.New("missing response code")
		}
		return &Error{Kind: KindDecode, Err: errors.Wrapf(jerr, "decode %s %s", method, path)}
	}

	if env.Code != codeOK {
		return &Error{Kind: classify(env.Code, env.Msg), Code: env.Code, Msg: env.Msg}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Kind: KindDecode, Err: errors.Wrapf(err, "decode data %s %s", method, path)}
	}
	return nil
}

// classify maps a venue code and message onto an ErrorKind.
func classify(code, msg string) ErrorKind {
	switch code {
	case codeOrderDoesNotExist:
		return KindOrderDoesNotExist
	case codeWithdrawalIDDoesNotExist:
		return KindWithdrawalIDDoesNotExist
	case codeParameterError:
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "clordid") || strings.Contains(lower, "clientid") {
			return KindParameterClientIDError
		}
	}
	return KindUnexpectedResponse
}
