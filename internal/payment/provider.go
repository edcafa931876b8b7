package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"medex/internal/domain"
	"medex/internal/money"
	"medex/pkg/config"
	"medex/pkg/errors"
)

// VerifiedTransaction is the provider's authoritative view of a transaction.
// The notification processor trusts these values, never the webhook body.
type VerifiedTransaction struct {
	ExternalID string
	TxRef      string
	Amount     int64
	Currency   domain.Currency
	Status     string
}

// TransferRequest asks the provider to move money out to a courier.
type TransferRequest struct {
	Reference   string
	Destination string
	Amount      int64
	Currency    domain.Currency
	Narration   string
}

// TransferResult is the provider's synchronous answer to a transfer.
type TransferResult struct {
	ProviderRef string
	Status      string
}

// ProviderClient is the payment gateway boundary. The HTTP implementation
// talks to the real provider; tests substitute a mock.
type ProviderClient interface {
	VerifyTransaction(ctx context.Context, externalID string) (*VerifiedTransaction, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

type httpProvider struct {
	cfg    config.ProviderConfig
	client *http.Client
}

func NewHTTPProvider(cfg config.ProviderConfig) ProviderClient {
	return &httpProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type verifyResponse struct {
	Status string `json:"status"`
	Data   struct {
		ID       json.Number     `json:"id"`
		TxRef    string          `json:"tx_ref"`
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
		Status   string          `json:"status"`
	} `json:"data"`
}

func (p *httpProvider) VerifyTransaction(ctx context.Context, externalID string) (*VerifiedTransaction, error) {
	url := fmt.Sprintf("%s/v3/transactions/%s/verify", p.cfg.BaseURL, externalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build verify request")
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.WithCode(errors.CodeInternal, errors.Wrap(err, "provider verify call failed"))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.WithCode(errors.CodeInternal,
			fmt.Errorf("provider verify returned status %d", resp.StatusCode))
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.WithCode(errors.CodeInternal, errors.Wrap(err, "failed to decode verify response"))
	}

	currency := domain.Currency(body.Data.Currency)
	amount, err := money.ToSmallestUnit(body.Data.Amount, currency)
	if err != nil {
		return nil, errors.WithCode(errors.CodeInternal, errors.Wrap(err, "failed to normalize verified amount"))
	}

	return &VerifiedTransaction{
		ExternalID: body.Data.ID.String(),
		TxRef:      body.Data.TxRef,
		Amount:     amount,
		Currency:   currency,
		Status:     body.Data.Status,
	}, nil
}

type transferResponse struct {
	Status string `json:"status"`
	Data   struct {
		ID        json.Number `json:"id"`
		Status    string      `json:"status"`
		Reference string      `json:"reference"`
	} `json:"data"`
}

func (p *httpProvider) Transfer(ctx context.Context, treq TransferRequest) (*TransferResult, error) {
	display, err := money.FromSmallestUnit(treq.Amount, treq.Currency)
	if err != nil {
		return nil, errors.WithCode(errors.CodeInvalidArgument, err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"reference":      treq.Reference,
		"account_number": treq.Destination,
		"amount":         display,
		"currency":       treq.Currency,
		"narration":      treq.Narration,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode transfer request")
	}

	url := p.cfg.BaseURL + "/v3/transfers"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build transfer request")
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.WithCode(errors.CodeInternal, errors.Wrap(err, "provider transfer call failed"))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.WithCode(errors.CodeInternal,
			fmt.Errorf("provider transfer returned status %d", resp.StatusCode))
	}

	var body transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.WithCode(errors.CodeInternal, errors.Wrap(err, "failed to decode transfer response"))
	}

	return &TransferResult{
		ProviderRef: body.Data.ID.String(),
		Status:      body.Data.Status,
	}, nil
}
