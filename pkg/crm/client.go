// Package crm is a typed wrapper over the club's fitness CRM REST API.
package crm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/napryag/fitness_portal_bot/pkg/utils/errs"
)

const maxBodySize = 4 << 20

// DefaultPricelistPaths are the historical aliases of the price list endpoint, tried in order.
var DefaultPricelistPaths = []string{"pricelist", "price_list", "prices", "price-list"}

// Config holds connection settings for the CRM.
type Config struct {
	BaseURL            string
	APIKey             string
	Authorization      string
	SecretKey          string
	Timeout            time.Duration
	InsecureSkipVerify bool
	PricelistPaths     []string
}

// BaseURL assembles https://host:port/path.
func BaseURL(host, port, path string) string {
	if port == "" {
		return fmt.Sprintf("https://%s%s", host, path)
	}
	return fmt.Sprintf("https://%s:%s%s", host, port, path)
}

// Client issues CRM calls. Each method maps to exactly one endpoint and never retries.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a CRM client for cfg.BaseURL.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if len(cfg.PricelistPaths) == 0 {
		cfg.PricelistPaths = DefaultPricelistPaths
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		// test contours of the CRM run on self-signed certificates
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logger: logger.With().Str("component", "crm").Logger(),
	}
}

// Sign returns the pass_token signature for a normalized phone.
func Sign(phone, secret string) string {
	sum := sha256.Sum256([]byte("phone:" + phone + ";key:" + secret))
	return hex.EncodeToString(sum[:])
}

// NormalizePhone keeps digits only.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PassToken exchanges a phone number for a session token.
func (c *Client) PassToken(ctx context.Context, phone string) (string, error) {
	normalized := NormalizePhone(phone)
	q := url.Values{}
	q.Set("phone", normalized)
	q.Set("sign", Sign(normalized, c.cfg.SecretKey))

	data, err := c.envelopeCall(ctx, "pass_token", http.MethodGet, "pass_token/", q, "", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		PassToken string `json:"pass_token"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.PassToken == "" {
		return "", integrity("pass_token", "pass_token missing in response", data, err)
	}
	return out.PassToken, nil
}

// Client returns the card of the token's owner.
func (c *Client) Client(ctx context.Context, token string) (*ClientInfo, error) {
	data, err := c.envelopeCall(ctx, "client", http.MethodGet, "client", nil, token, nil)
	if err != nil {
		return nil, err
	}
	var info ClientInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, integrity("client", "decode client", data, err)
	}
	return &info, nil
}

// Tickets lists the client's tickets. An empty kind lists all of them.
func (c *Client) Tickets(ctx context.Context, token, kind string) ([]Ticket, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("type", kind)
	}
	body, _, err := c.roundTrip(ctx, "tickets", http.MethodGet, "tickets/", q, token, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Ticket]("tickets", body, "data")
}

// Deposits lists the client's deposit accounts.
func (c *Client) Deposits(ctx context.Context, token string) ([]Deposit, error) {
	body, _, err := c.roundTrip(ctx, "deposits", http.MethodGet, "deposits", nil, token, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Deposit]("deposits", body, "data", "deposits")
}

// PriceList fetches the club catalog, trying each configured path alias until one answers.
func (c *Client) PriceList(ctx context.Context, token string) ([]PriceItem, error) {
	var last error
	for _, path := range c.cfg.PricelistPaths {
		body, _, err := c.roundTrip(ctx, "pricelist", http.MethodGet, path, nil, token, nil)
		if err != nil {
			last = err
			continue
		}
		items, err := decodeList[PriceItem]("pricelist", body, "data", "items", "pricelist", "prices")
		if err != nil {
			last = err
			continue
		}
		return items, nil
	}
	return nil, &Failure{
		Op:     "pricelist",
		Reason: "price list unavailable",
		Kind:   errs.KindTransport,
		Err:    last,
	}
}

// Classes returns the club schedule between from and to.
func (c *Client) Classes(ctx context.Context, token, clubID string, from, to time.Time) ([]Class, error) {
	q := url.Values{}
	q.Set("club_id", clubID)
	q.Set("start_date", from.UTC().Format(TimeLayout))
	q.Set("end_date", to.UTC().Format(TimeLayout))

	data, err := c.envelopeCall(ctx, "classes", http.MethodGet, "classes/", q, token, nil)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}
	var classes []Class
	if err := json.Unmarshal(data, &classes); err != nil {
		return nil, integrity("classes", "decode classes", data, err)
	}
	return classes, nil
}

// ClassDescription returns the live record for one appointment.
func (c *Client) ClassDescription(ctx context.Context, token, appointmentID string) (*ClassDescription, error) {
	q := url.Values{}
	q.Set("appointment_id", appointmentID)

	data, err := c.envelopeCall(ctx, "class_descriptions", http.MethodGet, "class_descriptions/", q, token, nil)
	if err != nil {
		return nil, err
	}
	var desc ClassDescription
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, integrity("class_descriptions", "decode class description", data, err)
	}
	if desc.AppointmentID == "" {
		desc.AppointmentID = ID(appointmentID)
	}
	return &desc, nil
}

// Book adds the client to a class.
func (c *Client) Book(ctx context.Context, token string, req BookRequest) (*BookResult, error) {
	payload := map[string]string{"appointment_id": req.AppointmentID}
	if req.ClubID != "" {
		payload["club_id"] = req.ClubID
	}
	if req.TicketID != "" {
		payload["ticket_id"] = req.TicketID
	}

	body, _, err := c.roundTrip(ctx, "client_to_class", http.MethodPost, "client_to_class", nil, token, payload)
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope("client_to_class", body)
	if err != nil {
		return nil, err
	}
	if !env.Result {
		return nil, env.failure("client_to_class", "book failed", body)
	}

	res := &BookResult{Status: env.Status, Raw: json.RawMessage(body)}
	var data struct {
		Status string `json:"status"`
	}
	if len(env.Data) > 0 && env.Data[0] == '{' {
		if err := json.Unmarshal(env.Data, &data); err == nil && data.Status != "" {
			res.Status = data.Status
		}
	}
	return res, nil
}

// Cancel removes the client from a class roster.
func (c *Client) Cancel(ctx context.Context, token, appointmentID string) error {
	q := url.Values{}
	q.Set("appointment_id", appointmentID)

	_, err := c.envelopeCall(ctx, "client_from_class", http.MethodDelete, "client_from_class/", q, token, nil)
	return err
}

// Appointments lists the client's own links to classes.
func (c *Client) Appointments(ctx context.Context, token string, query AppointmentsQuery) ([]ClientAppointment, error) {
	q := url.Values{}
	if query.Type != "" {
		q.Set("type", query.Type)
	}
	if len(query.Statuses) > 0 {
		statuses, _ := json.Marshal(query.Statuses)
		q.Set("statuses", string(statuses))
	}
	if query.Offset > 0 || query.PageSize > 0 {
		q.Set("requested_offset", strconv.Itoa(query.Offset))
	}
	if query.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(query.PageSize))
	}
	endpoint := "appointments"
	if len(q) > 0 {
		endpoint = "appointments/"
	}

	body, _, err := c.roundTrip(ctx, "appointments", http.MethodGet, endpoint, q, token, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[ClientAppointment]("appointments", body, "data")
}

// CartCost prices one catalog item for a club. A quote without lines is an error.
func (c *Client) CartCost(ctx context.Context, token string, req CartRequest) (*Cart, error) {
	line := map[string]any{"purchase_id": req.PurchaseID, "count": 1}
	if req.ServiceID != "" {
		line["service_id"] = req.ServiceID
	}
	cart, err := json.Marshal(map[string]any{"cart_array": []any{line}})
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("cart", string(cart))
	q.Set("club_id", req.ClubID)

	data, err := c.envelopeCall(ctx, "cart_cost", http.MethodGet, "cart_cost/", q, token, nil)
	if err != nil {
		return nil, err
	}
	var out Cart
	if len(bytes.TrimSpace(data)) > 0 && data[0] == '{' {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, integrity("cart_cost", "decode cart", data, err)
		}
	}
	if len(out.Lines) == 0 {
		return nil, &Failure{
			Op:     "cart_cost",
			Reason: "cart was not created: no lines",
			Raw:    data,
			Kind:   errs.KindIntegrity,
			Err:    ErrEmptyCart,
		}
	}
	return &out, nil
}

// CreatePayment submits a sale for a fresh cart with the given payment lines.
func (c *Client) CreatePayment(ctx context.Context, token string, req PaymentRequest) (*PaymentResult, error) {
	if req.Cart == nil || len(req.Cart.Lines) == 0 {
		return nil, &Failure{Op: "payment", Reason: "empty cart", Kind: errs.KindIntegrity, Err: ErrEmptyCart}
	}

	cart := make([]map[string]any, 0, len(req.Cart.Lines))
	for _, line := range req.Cart.Lines {
		count := int(line.Count)
		if count <= 0 {
			count = 1
		}
		item := map[string]any{
			"purchase_id": line.PurchaseRef(),
			"count":       count,
		}
		if line.PriceType != nil && line.PriceType.ID != "" {
			item["price_type_id"] = string(line.PriceType.ID)
		}
		if req.ServiceID != "" {
			item["service_id"] = req.ServiceID
		}
		cart = append(cart, item)
	}

	transactionID := "sale_" + uuid.NewString()
	payload := map[string]any{
		"transaction_id": transactionID,
		"cart":           cart,
		"payment_list":   req.Payments,
		"club_id":        req.ClubID,
	}
	if req.Cart.OrgID != "" {
		payload["org_id"] = string(req.Cart.OrgID)
	}

	data, err := c.envelopeCall(ctx, "payment", http.MethodPost, "payment", nil, token, payload)
	if err != nil {
		return nil, err
	}
	return &PaymentResult{TransactionID: transactionID, Data: data}, nil
}

func (c *Client) envelopeCall(ctx context.Context, op, method, endpoint string, query url.Values, token string, payload any) (json.RawMessage, error) {
	body, _, err := c.roundTrip(ctx, op, method, endpoint, query, token, payload)
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(op, body)
	if err != nil {
		return nil, err
	}
	if !env.Result {
		return nil, env.failure(op, op+" failed", body)
	}
	return env.Data, nil
}

func (c *Client) roundTrip(ctx context.Context, op, method, endpoint string, query url.Values, token string, payload any) ([]byte, int, error) {
	target := c.baseURL + "/" + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("encode %s request: %w", op, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.cfg.APIKey)
	req.Header.Set("Authorization", c.cfg.Authorization)
	if token != "" {
		req.Header.Set("usertoken", token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Str("op", op).Str("method", method).Err(err).Dur("took", time.Since(started)).Msg("crm call failed")
		return nil, 0, &Failure{Op: op, Reason: err.Error(), Kind: errs.KindTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, resp.StatusCode, &Failure{Op: op, Reason: "read response: " + err.Error(), Status: resp.StatusCode, Kind: errs.KindTransport, Err: err}
	}

	c.logger.Debug().
		Str("op", op).
		Str("method", method).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(started)).
		Msg("crm call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f := &Failure{
			Op:     op,
			Reason: fmt.Sprintf("HTTP %d", resp.StatusCode),
			Status: resp.StatusCode,
			Raw:    body,
			Kind:   errs.KindTransport,
		}
		if env, err := decodeEnvelope(op, body); err == nil {
			if reason := env.reason(); reason != "" {
				f.Reason = reason
				f.Kind = errs.KindBusiness
			}
		}
		return nil, resp.StatusCode, f
	}
	return body, resp.StatusCode, nil
}

type envelope struct {
	Result       bool            `json:"result"`
	Data         json.RawMessage `json:"data"`
	Error        json.RawMessage `json:"error"`
	ErrorMessage string          `json:"error_message"`
	Status       string          `json:"status"`
}

func decodeEnvelope(op string, body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, integrity(op, "decode response", body, err)
	}
	return &env, nil
}

func (e *envelope) reason() string {
	if e.ErrorMessage != "" {
		return e.ErrorMessage
	}
	raw := bytes.TrimSpace(e.Error)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (e *envelope) failure(op, fallback string, body []byte) *Failure {
	reason := e.reason()
	if reason == "" {
		reason = fallback
	}
	return &Failure{Op: op, Reason: reason, Raw: body, Kind: errs.KindBusiness}
}

// decodeList accepts a bare JSON array or an object holding the array under one of keys.
func decodeList[T any](op string, body []byte, keys ...string) ([]T, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var out []T
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, integrity(op, "decode list", body, err)
		}
		return out, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, integrity(op, "decode list", body, err)
	}
	if r, ok := obj["result"]; ok && string(bytes.TrimSpace(r)) == "false" {
		env, _ := decodeEnvelope(op, trimmed)
		return nil, env.failure(op, op+" failed", body)
	}
	for _, k := range keys {
		raw, ok := obj[k]
		raw = bytes.TrimSpace(raw)
		if !ok || len(raw) == 0 || raw[0] != '[' {
			continue
		}
		var out []T
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, integrity(op, "decode list", body, err)
		}
		return out, nil
	}
	return nil, nil
}

func integrity(op, reason string, raw []byte, err error) *Failure {
	return &Failure{Op: op, Reason: reason, Raw: raw, Kind: errs.KindIntegrity, Err: err}
}
