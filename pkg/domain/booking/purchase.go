package booking

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/napryag/fitness_portal_bot/pkg/crm"
	"github.com/napryag/fitness_portal_bot/pkg/utils/errs"
)

const (
	// NonMemberMarker tags catalog items sold to clients without an active membership.
	NonMemberMarker = "Не ЧК"
	// MainDepositName is the deposit account drawn from first.
	MainDepositName = "Основной"
	// DebtSentinel is the card amount that makes the CRM record the rest of the cart as unpaid debt.
	DebtSentinel = 0.0001
	// DefaultOfferLimit is how many of the cheapest items are offered.
	DefaultOfferLimit = 5
)

var (
	ErrNoPurchaseOption  = errs.New("no purchase option").Kind(errs.KindBusiness)
	ErrNoClub            = errs.New("club is unknown").Kind(errs.KindIntegrity)
	ErrPolicyUnavailable = errs.New("payment option is unavailable").Kind(errs.KindBusiness)
)

// Shop is the subset of the CRM used to buy an entitlement.
type Shop interface {
	Tickets(ctx context.Context, token, kind string) ([]crm.Ticket, error)
	PriceList(ctx context.Context, token string) ([]crm.PriceItem, error)
	Deposits(ctx context.Context, token string) ([]crm.Deposit, error)
	CartCost(ctx context.Context, token string, req crm.CartRequest) (*crm.Cart, error)
	CreatePayment(ctx context.Context, token string, req crm.PaymentRequest) (*crm.PaymentResult, error)
}

// FilterCategory keeps items whose category object has exactly the given title.
func FilterCategory(items []crm.PriceItem, category string) []crm.PriceItem {
	out := make([]crm.PriceItem, 0, len(items))
	for _, it := range items {
		if title := it.CategoryTitle(); title != "" && title == category {
			out = append(out, it)
		}
	}
	return out
}

// Partition returns the category items offered to a member (no marker) or a non-member (marker).
func Partition(items []crm.PriceItem, category string, member bool) []crm.PriceItem {
	byCategory := FilterCategory(items, category)
	out := make([]crm.PriceItem, 0, len(byCategory))
	for _, it := range byCategory {
		nonMember := strings.Contains(it.Label(), NonMemberMarker)
		if nonMember != member {
			out = append(out, it)
		}
	}
	return out
}

// Rank orders items by discounted price, then full price. Items without a price go last.
func Rank(items []crm.PriceItem) []crm.PriceItem {
	out := make([]crm.PriceItem, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		pi, oki := out[i].EffectivePrice()
		pj, okj := out[j].EffectivePrice()
		switch {
		case oki && okj:
			return pi < pj
		default:
			return oki && !okj
		}
	})
	return out
}

// FindDeposit finds an existing deposit by name, ignoring case and surrounding spaces.
func FindDeposit(deposits []crm.Deposit, name string) (crm.Deposit, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	for _, d := range deposits {
		if !d.Exists {
			continue
		}
		if strings.ToLower(strings.TrimSpace(d.DisplayName())) == want {
			return d, true
		}
	}
	return crm.Deposit{}, false
}

// Policy is how a cart is settled. Values double as callback payloads.
type Policy string

const (
	PolicyDebt    Policy = "reception"
	PolicyDeposit Policy = "full"
	PolicySplit   Policy = "partial"
)

// Settlement is the payment list for one cart total.
type Settlement struct {
	Policy      Policy
	Payments    []crm.PaymentLine
	DepositPaid float64
	Debt        float64
	// Remainder is the deposit balance left after payment.
	Remainder float64
}

func usable(d *crm.Deposit) bool {
	return d != nil && d.Exists && d.Balance.Float() > 0
}

// Settle picks the automatic settlement for total and the client's main deposit (nil when none).
func Settle(total float64, deposit *crm.Deposit) Settlement {
	switch {
	case !usable(deposit):
		s, _ := SettleWith(PolicyDebt, total, deposit)
		return s
	case deposit.Balance.Float() >= total:
		s, _ := SettleWith(PolicyDeposit, total, deposit)
		return s
	default:
		s, _ := SettleWith(PolicySplit, total, deposit)
		return s
	}
}

// SettleWith builds the payment list for an explicitly chosen policy.
func SettleWith(policy Policy, total float64, deposit *crm.Deposit) (Settlement, error) {
	total = round2(total)
	switch policy {
	case PolicyDebt:
		return Settlement{
			Policy:   PolicyDebt,
			Payments: []crm.PaymentLine{debtLine()},
			Debt:     total,
		}, nil
	case PolicyDeposit:
		if !usable(deposit) || deposit.Balance.Float() < total {
			return Settlement{}, ErrPolicyUnavailable
		}
		balance := deposit.Balance.Float()
		return Settlement{
			Policy:      PolicyDeposit,
			Payments:    []crm.PaymentLine{{Type: crm.PaymentDeposit, ID: deposit.Key(), Amount: total}},
			DepositPaid: total,
			Remainder:   round2(balance - total),
		}, nil
	case PolicySplit:
		if !usable(deposit) || deposit.Balance.Float() >= total {
			return Settlement{}, ErrPolicyUnavailable
		}
		balance := round2(deposit.Balance.Float())
		return Settlement{
			Policy: PolicySplit,
			Payments: []crm.PaymentLine{
				{Type: crm.PaymentDeposit, ID: deposit.Key(), Amount: balance},
				debtLine(),
			},
			DepositPaid: balance,
			Debt:        round2(total - balance),
		}, nil
	default:
		return Settlement{}, errs.New("unknown payment policy").Arg("policy", policy).Kind(errs.KindIntegrity)
	}
}

// PaymentOptions lists the settlements offered interactively: the automatic one,
// plus paying everything at reception when the automatic one draws from the deposit.
func PaymentOptions(total float64, deposit *crm.Deposit) []Settlement {
	auto := Settle(total, deposit)
	opts := []Settlement{auto}
	if auto.Policy != PolicyDebt {
		debt, _ := SettleWith(PolicyDebt, total, deposit)
		opts = append(opts, debt)
	}
	return opts
}

func debtLine() crm.PaymentLine {
	return crm.PaymentLine{Type: crm.PaymentCard, Amount: DebtSentinel}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// QuoteRequest identifies what to buy and where.
type QuoteRequest struct {
	PurchaseID string
	ClubID     string
	// ServiceID binds the purchase to the target class's service.
	ServiceID string
}

// Quote is a priced cart with the deposit it may be settled from.
type Quote struct {
	Request QuoteRequest
	Total   float64
	Deposit *crm.Deposit
	Options []Settlement
}

// Receipt describes a completed payment.
type Receipt struct {
	Settlement
	Total         float64
	TransactionID string
	Item          crm.PriceItem
}

// AutoRequest is the input of the fully automatic purchase.
type AutoRequest struct {
	Category  string
	ClubID    string
	ServiceID string
}

type Purchaser struct {
	shop  Shop
	limit int
}

func NewPurchaser(shop Shop, limit int) *Purchaser {
	if limit <= 0 {
		limit = DefaultOfferLimit
	}
	return &Purchaser{shop: shop, limit: limit}
}

// Offers returns the cheapest catalog items the client may buy for a category.
func (p *Purchaser) Offers(ctx context.Context, token, category string) ([]crm.PriceItem, error) {
	tickets, err := p.shop.Tickets(ctx, token, "")
	if err != nil {
		return nil, errs.New("fetch tickets").Wrap(err)
	}
	member := HasActiveMembership(tickets)

	items, err := p.shop.PriceList(ctx, token)
	if err != nil {
		return nil, errs.New("fetch price list").Wrap(err)
	}

	offered := Partition(items, category, member)
	zerolog.Ctx(ctx).Debug().
		Str("category", category).
		Bool("member", member).
		Int("catalog", len(items)).
		Int("offered", len(offered)).
		Msg("purchase offers")
	if len(offered) == 0 {
		return nil, ErrNoPurchaseOption
	}

	ranked := Rank(offered)
	if len(ranked) > p.limit {
		ranked = ranked[:p.limit]
	}
	return ranked, nil
}

// Quote prices one item and looks up the main deposit.
func (p *Purchaser) Quote(ctx context.Context, token string, req QuoteRequest) (*Quote, error) {
	if req.ClubID == "" {
		return nil, ErrNoClub
	}
	cart, deposit, err := p.price(ctx, token, req)
	if err != nil {
		return nil, err
	}
	q := &Quote{Request: req, Total: cart.Total(), Deposit: deposit}
	q.Options = PaymentOptions(q.Total, q.Deposit)
	return q, nil
}

// price builds the cart and reads the main deposit balance next to it.
func (p *Purchaser) price(ctx context.Context, token string, req QuoteRequest) (*crm.Cart, *crm.Deposit, error) {
	cart, err := p.shop.CartCost(ctx, token, toCartRequest(req))
	if err != nil {
		return nil, nil, err
	}
	deposits, err := p.shop.Deposits(ctx, token)
	if err != nil {
		return nil, nil, errs.New("fetch deposits").Wrap(err)
	}
	if d, ok := FindDeposit(deposits, MainDepositName); ok {
		return cart, &d, nil
	}
	return cart, nil, nil
}

// Pay settles a quote with the chosen policy. The cart and the deposit balance are read
// again right before paying; the quote only supplies the request.
func (p *Purchaser) Pay(ctx context.Context, token string, q *Quote, policy Policy) (*Receipt, error) {
	cart, deposit, err := p.price(ctx, token, q.Request)
	if err != nil {
		return nil, err
	}
	total := cart.Total()
	settlement, err := SettleWith(policy, total, deposit)
	if err != nil {
		return nil, err
	}

	res, err := p.shop.CreatePayment(ctx, token, crm.PaymentRequest{
		Cart:      cart,
		ClubID:    q.Request.ClubID,
		ServiceID: q.Request.ServiceID,
		Payments:  settlement.Payments,
	})
	if err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().
		Str("transaction_id", res.TransactionID).
		Str("policy", string(settlement.Policy)).
		Float64("total", total).
		Msg("payment created")
	return &Receipt{Settlement: settlement, Total: total, TransactionID: res.TransactionID}, nil
}

// Run is the non-interactive purchase: it buys the cheapest offered item with the automatic
// settlement. The chat flow asks the client instead and goes through Offers, Quote and Pay.
func (p *Purchaser) Run(ctx context.Context, token string, req AutoRequest) (*Receipt, error) {
	offers, err := p.Offers(ctx, token, req.Category)
	if err != nil {
		return nil, err
	}
	item := offers[0]

	q, err := p.Quote(ctx, token, QuoteRequest{PurchaseID: item.Purchase(), ClubID: req.ClubID, ServiceID: req.ServiceID})
	if err != nil {
		return nil, err
	}
	receipt, err := p.Pay(ctx, token, q, q.Options[0].Policy)
	if err != nil {
		return nil, err
	}
	receipt.Item = item
	return receipt, nil
}

func toCartRequest(q QuoteRequest) crm.CartRequest {
	return crm.CartRequest{PurchaseID: q.PurchaseID, ClubID: q.ClubID, ServiceID: q.ServiceID}
}
