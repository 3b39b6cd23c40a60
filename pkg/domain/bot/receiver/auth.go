package receiver

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/napryag/fitness_portal_bot/pkg/crm"
	"github.com/napryag/fitness_portal_bot/pkg/domain/booking"
	"github.com/napryag/fitness_portal_bot/pkg/repository/model"
	"github.com/napryag/fitness_portal_bot/pkg/utils/errs"
)

var errNoPhone = errs.New("no saved phone to re-issue the token").Kind(errs.KindIntegrity)

// refreshProfile re-reads the client card and the membership summary and saves the profile as active.
// A saved token the CRM refuses is replaced by a fresh one issued for the saved phone.
func (h *Handler) refreshProfile(ctx context.Context, p *model.Profile) (*model.Profile, error) {
	logger := zerolog.Ctx(ctx)

	token := p.CRM.UserToken
	var client *crm.ClientInfo
	if token != "" {
		c, err := h.crm.Client(ctx, token)
		switch {
		case err == nil:
			client = c
		case errs.KindOf(err) == errs.KindTransport:
			return nil, errs.New("fetch client").Wrap(err)
		default:
			logger.Warn().Err(err).Msg("saved usertoken rejected, issuing a new one")
			token = ""
		}
	}

	if token == "" {
		if p.Telegram.Phone == "" {
			return nil, errNoPhone
		}
		var err error
		if token, err = h.crm.PassToken(ctx, p.Telegram.Phone); err != nil {
			return nil, errs.New("issue pass token").Wrap(err)
		}
		if client, err = h.crm.Client(ctx, token); err != nil {
			return nil, errs.New("fetch client").Wrap(err)
		}
	}

	tickets, err := h.crm.Tickets(ctx, token, crm.TicketMembership)
	if err != nil {
		return nil, errs.New("fetch memberships").Wrap(err)
	}

	updated := p.Clone()
	updated.CRM = model.CRM{
		FullName:  client.DisplayName(),
		ClientID:  string(client.ID),
		ClubID:    string(client.Club.ID),
		UserToken: token,
	}
	if t, ok := booking.SummarizeMembership(tickets); ok {
		updated.CRM.Membership = membershipOf(t)
	}
	if updated.CRM.FullName == "" {
		updated.CRM.FullName = displayName(updated, "клиент")
	}
	updated.Status = model.StatusActive
	updated.LoggedOutAt = nil
	updated.SavedAt = h.now().UTC()

	if err := h.repo.Save(ctx, updated); err != nil {
		return nil, errs.New("save profile").Wrap(err)
	}
	return updated, nil
}

// ensureToken makes sure the profile carries a session token and a club.
func (h *Handler) ensureToken(ctx context.Context, p *model.Profile) (*model.Profile, error) {
	if p.CRM.UserToken != "" && p.CRM.ClubID != "" {
		return p, nil
	}
	return h.refreshProfile(ctx, p)
}

// reissue exchanges the saved phone for a new token and persists it.
func (h *Handler) reissue(ctx context.Context, p *model.Profile) (*model.Profile, error) {
	if p.Telegram.Phone == "" {
		return nil, errNoPhone
	}
	token, err := h.crm.PassToken(ctx, p.Telegram.Phone)
	if err != nil {
		return nil, errs.New("re-issue pass token").Wrap(err)
	}
	updated := p.Clone()
	updated.CRM.UserToken = token
	updated.SavedAt = h.now().UTC()
	if err := h.repo.Save(ctx, updated); err != nil {
		return nil, errs.New("save profile").Wrap(err)
	}
	return updated, nil
}

// call runs fn with the profile's token. When the CRM answers 401/403 the token is
// re-issued once; read-only work is then repeated, writes are not.
func (h *Handler) call(ctx context.Context, p *model.Profile, readOnly bool, fn func(token string) error) (*model.Profile, error) {
	ready, err := h.ensureToken(ctx, p)
	if err != nil {
		return p, err
	}
	p = ready

	err = fn(p.CRM.UserToken)
	if !crm.IsUnauthorized(err) {
		return p, err
	}

	zerolog.Ctx(ctx).Info().Err(err).Msg("usertoken expired, re-issuing")
	fresh, rerr := h.reissue(ctx, p)
	if rerr != nil {
		zerolog.Ctx(ctx).Warn().Err(rerr).Msg("re-issue failed")
		return p, err
	}
	if !readOnly {
		return fresh, err
	}
	return fresh, fn(fresh.CRM.UserToken)
}
