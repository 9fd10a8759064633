// Package payment creates checkout links for structured orders via the
// Mercado Pago preferences API.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

const defaultAPIBase = "https://api.mercadopago.com"

// MercadoPago implements domain.PaymentLinker.
type MercadoPago struct {
	accessToken string
	apiBase     string
	unitPrice   int64
	currency    string
	backURLBase string
	client      *http.Client
	logger      *slog.Logger
}

type MercadoPagoConfig struct {
	AccessToken string
	APIBase     string
	UnitPrice   int64  // flat price per item unit
	Currency    string // e.g. "ARS"
	BackURLBase string // base URL for the success/failure/pending redirects
	Logger      *slog.Logger
}

func NewMercadoPago(cfg MercadoPagoConfig) *MercadoPago {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.UnitPrice <= 0 {
		cfg.UnitPrice = 3000
	}
	if cfg.Currency == "" {
		cfg.Currency = "ARS"
	}
	return &MercadoPago{
		accessToken: cfg.AccessToken,
		apiBase:     cfg.APIBase,
		unitPrice:   cfg.UnitPrice,
		currency:    cfg.Currency,
		backURLBase: cfg.BackURLBase,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      cfg.Logger,
	}
}

type preferenceItem struct {
	Title      string `json:"title"`
	Quantity   int    `json:"quantity"`
	UnitPrice  int64  `json:"unit_price"`
	CurrencyID string `json:"currency_id"`
}

type preferenceRequest struct {
	Items             []preferenceItem  `json:"items"`
	ExternalReference string            `json:"external_reference"`
	BackURLs          map[string]string `json:"back_urls,omitempty"`
	AutoReturn        string            `json:"auto_return,omitempty"`
}

type preferenceResponse struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

// CreateLink creates a checkout preference for the order's line items and
// returns the payment URL with the estimated total.
func (m *MercadoPago) CreateLink(ctx context.Context, order *domain.Order, externalRef string) (domain.PaymentLink, error) {
	if order == nil || len(order.Items) == 0 {
		return domain.PaymentLink{}, fmt.Errorf("order has no items")
	}

	var total int64
	items := make([]preferenceItem, 0, len(order.Items))
	for _, it := range order.Items {
		qty := it.Quantity
		if qty <= 0 {
			qty = 1
		}
		name := it.Name
		if name == "" {
			name = "Product"
		}
		total += m.unitPrice * int64(qty)
		items = append(items, preferenceItem{
			Title:      name,
			Quantity:   qty,
			UnitPrice:  m.unitPrice,
			CurrencyID: m.currency,
		})
	}

	reqBody := preferenceRequest{
		Items:             items,
		ExternalReference: externalRef,
	}
	if m.backURLBase != "" {
		reqBody.BackURLs = map[string]string{
			"success": m.backURLBase + "/payment-ok",
			"failure": m.backURLBase + "/payment-error",
			"pending": m.backURLBase + "/payment-pending",
		}
		reqBody.AutoReturn = "approved"
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return domain.PaymentLink{}, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", m.apiBase+"/checkout/preferences", bytes.NewReader(body))
	if err != nil {
		return domain.PaymentLink{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.accessToken)

	resp, err := m.client.Do(req)
	if err != nil {
		return domain.PaymentLink{}, fmt.Errorf("create preference: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return domain.PaymentLink{}, fmt.Errorf("mercadopago API %d: %s", resp.StatusCode, string(respBody))
	}

	var pref preferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&pref); err != nil {
		return domain.PaymentLink{}, fmt.Errorf("decode response: %w", err)
	}
	if pref.InitPoint == "" {
		return domain.PaymentLink{}, fmt.Errorf("preference %s has no init_point", pref.ID)
	}

	metrics.PaymentLinks.Inc()
	m.logger.Info("payment link created", "preference", pref.ID, "total", total, "ref", externalRef)
	return domain.PaymentLink{URL: pref.InitPoint, Total: total}, nil
}
