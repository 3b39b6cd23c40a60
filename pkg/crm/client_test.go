package crm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/napryag/fitness_portal_bot/pkg/utils/errs"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:       srv.URL,
		APIKey:        "key",
		Authorization: "Basic abc",
		SecretKey:     "secret",
		Timeout:       2 * time.Second,
	}, zerolog.Nop())
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "https://crm.local:8443/api/v1", BaseURL("crm.local", "8443", "/api/v1"))
	assert.Equal(t, "https://crm.local/api", BaseURL("crm.local", "", "/api"))
}

func TestPassToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pass_token/", r.URL.Path)
		assert.Equal(t, "79990001122", r.URL.Query().Get("phone"))
		assert.Equal(t, Sign("79990001122", "secret"), r.URL.Query().Get("sign"))
		assert.Equal(t, "key", r.Header.Get("apikey"))
		assert.Equal(t, "Basic abc", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("usertoken"))
		_, _ = io.WriteString(w, `{"result":true,"data":{"pass_token":"tok-1"}}`)
	})

	tok, err := c.PassToken(context.Background(), "+7 (999) 000-11-22")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
}

func TestBusinessFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"result":false,"error":"client not found"}`)
	})

	_, err := c.PassToken(context.Background(), "79990001122")
	require.Error(t, err)

	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, "client not found", f.Reason)
	assert.Equal(t, 0, f.Status)
	assert.Equal(t, errs.KindBusiness, errs.KindOf(err))
}

func TestHTTPFailureNormalized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"result":false,"error_message":"token expired"}`)
	})

	_, err := c.Client(context.Background(), "tok")
	require.Error(t, err)

	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, f.Status)
	assert.Equal(t, "token expired", f.Reason)
	assert.True(t, IsUnauthorized(err))
	assert.NotEmpty(t, f.Raw)
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	c := NewClient(Config{BaseURL: srv.URL}, zerolog.Nop())

	_, err := c.Deposits(context.Background(), "tok")
	require.Error(t, err)
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, 0, f.Status)
	assert.Equal(t, errs.KindTransport, f.Kind)
}

func TestTicketsDecoding(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tickets/", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get("usertoken"))
		_, _ = io.WriteString(w, `{"result":true,"data":[
			{"ticket_id":"t1","type":"membership","status":"active","count":null},
			{"ticket_id":42,"type":"package","status":"active","count":"3",
			 "service_list":[{"id":"s1","title":"Йога","count":0}]}
		]}`)
	})

	tickets, err := c.Tickets(context.Background(), "tok", "")
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.Nil(t, tickets[0].Count)
	assert.Equal(t, ID("42"), tickets[1].TicketID)
	require.NotNil(t, tickets[1].Count)
	assert.Equal(t, 3.0, tickets[1].Count.Float())
	require.Len(t, tickets[1].ServiceList, 1)
}

func TestDecodeListShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "bare array", body: `[{"name":"Основной"}]`, want: 1},
		{name: "data", body: `{"result":true,"data":[{"name":"a"},{"name":"b"}]}`, want: 2},
		{name: "alias", body: `{"deposits":[{"name":"a"}]}`, want: 1},
		{name: "nothing", body: `{"result":true}`, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := decodeList[Deposit]("deposits", []byte(tt.body), "data", "deposits")
			require.NoError(t, err)
			assert.Len(t, out, tt.want)
		})
	}

	_, err := decodeList[Deposit]("deposits", []byte(`{"result":false,"error":"nope"}`), "data")
	require.Error(t, err)
	assert.Equal(t, "nope", Reason(err))
}

func TestPriceListAliases(t *testing.T) {
	var hits []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		if r.URL.Path != "/prices" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, `{"result":true,"data":[{"id":"p1","title":"Разовое","price":"1500"}]}`)
	})

	items, err := c.PriceList(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, []string{"/pricelist", "/price_list", "/prices"}, hits)
}

func TestClassDescriptionSlots(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a-1", r.URL.Query().Get("appointment_id"))
		_, _ = io.WriteString(w, `{"result":true,"data":{"canceled":false,"already_booked":true,"free_places":"unlimited","club":{"id":"c1"}}}`)
	})

	desc, err := c.ClassDescription(context.Background(), "tok", "a-1")
	require.NoError(t, err)
	assert.True(t, desc.AlreadyBooked)
	assert.True(t, desc.Free().Unlimited)
	assert.Equal(t, "c1", desc.ClubRef())
	assert.Equal(t, ID("a-1"), desc.AppointmentID)
}

func TestBookAndCancel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "/client_to_class", r.URL.Path)
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "a-1", body["appointment_id"])
			assert.Equal(t, "t-1", body["ticket_id"])
			_, _ = io.WriteString(w, `{"result":true,"data":{"status":"temporarily_reserved_need_payment"}}`)
		case http.MethodDelete:
			assert.Equal(t, "/client_from_class/", r.URL.Path)
			assert.Equal(t, "a-1", r.URL.Query().Get("appointment_id"))
			_, _ = io.WriteString(w, `{"result":true}`)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	})

	res, err := c.Book(context.Background(), "tok", BookRequest{AppointmentID: "a-1", TicketID: "t-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusTemporarilyReserved, res.Status)

	require.NoError(t, c.Cancel(context.Background(), "tok", "a-1"))
}

func TestCartCostEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var cart map[string][]map[string]any
		require.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("cart")), &cart))
		assert.Equal(t, "p1", cart["cart_array"][0]["purchase_id"])
		assert.Equal(t, "s1", cart["cart_array"][0]["service_id"])
		_, _ = io.WriteString(w, `{"result":true,"data":{"cart":[],"total_amount":0}}`)
	})

	_, err := c.CartCost(context.Background(), "tok", CartRequest{PurchaseID: "p1", ClubID: "c1", ServiceID: "s1"})
	require.ErrorIs(t, err, ErrEmptyCart)
	assert.Equal(t, errs.KindIntegrity, errs.KindOf(err))
}

func TestCreatePayment(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payment", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"result":true,"data":{}}`)
	})

	cart := &Cart{
		Lines:       []CartLine{{Purchase: &Ref{ID: "p1"}, Count: 1}},
		TotalAmount: 1000,
	}
	res, err := c.CreatePayment(context.Background(), "tok", PaymentRequest{
		Cart:     cart,
		ClubID:   "c1",
		Payments: []PaymentLine{{Type: PaymentDeposit, ID: "d1", Amount: 400}, {Type: PaymentCard, Amount: 0.0001}},
	})
	require.NoError(t, err)
	assert.Contains(t, res.TransactionID, "sale_")
	assert.Equal(t, res.TransactionID, got["transaction_id"])
	assert.Len(t, got["payment_list"], 2)
	assert.Equal(t, "c1", got["club_id"])
}

func TestCreatePaymentRefusesEmptyCart(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	_, err := c.CreatePayment(context.Background(), "tok", PaymentRequest{Cart: &Cart{}})
	require.ErrorIs(t, err, ErrEmptyCart)
	assert.False(t, called)
}

func TestAppointmentsQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q, _ := url.ParseQuery(r.URL.RawQuery)
		assert.Equal(t, "/appointments/", r.URL.Path)
		assert.Equal(t, "classes", q.Get("type"))
		assert.Equal(t, `["planned"]`, q.Get("statuses"))
		_, _ = io.WriteString(w, `{"result":true,"data":[{"appointment_id":"a-1","status":"planned","arrival_status":"canceled"}]}`)
	})

	out, err := c.Appointments(context.Background(), "tok", AppointmentsQuery{Type: AppointmentTypeClasses, Statuses: []string{StatusPlanned}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Canceled())
}
