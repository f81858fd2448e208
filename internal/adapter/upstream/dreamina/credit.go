package dreamina

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
)

// Credit is the account balance reported by the commerce benefits API.
type Credit struct {
	Gift     int `json:"gift_credit"`
	Purchase int `json:"purchase_credit"`
	VIP      int `json:"vip_credit"`
}

// Total is the spendable sum across buckets.
func (c Credit) Total() int { return c.Gift + c.Purchase + c.VIP }

// GetCredit fetches the current balance.
func (c *Client) GetCredit(ctx domain.Context, cred domain.Credential) (Credit, error) {
	ep := EndpointsFor(c.cfg, cred.Region)
	req, err := c.newAPIRequest(ctx, cred, http.MethodPost, ep.CommerceBase, "/commerce/v1/benefits/user_credit", nil, map[string]any{})
	if err != nil {
		return Credit{}, err
	}
	var data struct {
		Credit Credit `json:"credit"`
	}
	if err := c.doJSON(req, cred.Region, "user_credit", &data); err != nil {
		return Credit{}, err
	}
	return data.Credit, nil
}

// ReceiveCredit claims the daily gift credit and returns the new total.
func (c *Client) ReceiveCredit(ctx domain.Context, cred domain.Credential) (int, error) {
	ep := EndpointsFor(c.cfg, cred.Region)
	body := map[string]any{"time_zone": "Asia/Shanghai"}
	req, err := c.newAPIRequest(ctx, cred, http.MethodPost, ep.CommerceBase, "/commerce/v1/benefits/credit_receive", nil, body)
	if err != nil {
		return 0, err
	}
	var data struct {
		ReceivedQuota   int `json:"receive_quota"`
		CurTotalCredits int `json:"cur_total_credits"`
	}
	if err := c.doJSON(req, cred.Region, "credit_receive", &data); err != nil {
		return 0, err
	}
	slog.Info("daily credit received",
		slog.Int("received", data.ReceivedQuota),
		slog.Int("total", data.CurTotalCredits),
		slog.String("region", string(cred.Region)))
	return data.CurTotalCredits, nil
}

// EnsureCredit verifies the account can pay for a generation. When the
// balance is empty it claims the daily gift once and re-checks. Disabled via
// CREDIT_CHECK_ENABLED.
func (c *Client) EnsureCredit(ctx domain.Context, cred domain.Credential) error {
	if !c.cfg.CreditCheckEnabled {
		return nil
	}
	credit, err := c.GetCredit(ctx, cred)
	if err != nil {
		return err
	}
	if credit.Total() > 0 {
		return nil
	}
	slog.Info("credit exhausted, claiming daily gift", slog.String("session", cred.SessionID))
	total, err := c.ReceiveCredit(ctx, cred)
	if err != nil {
		return err
	}
	if total <= 0 {
		return fmt.Errorf("op=dreamina.EnsureCredit: balance empty after daily claim: %w", domain.ErrInsufficientCredit)
	}
	return nil
}
