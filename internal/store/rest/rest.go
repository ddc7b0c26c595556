// Package rest is the HTTP client for the retail backend. One Client serves
// every collaborator contract; all responses pass through the same page
// envelope normalization and every failure is classified into the store
// error taxonomy before it reaches computation code.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"smartretail/pos/internal/domain"
	"smartretail/pos/internal/store"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL string, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// pageEnvelope tolerates both envelope shapes the backend has shipped:
// content/items for rows and totalElements/total for counts.
type pageEnvelope struct {
	Content       json.RawMessage `json:"content"`
	Items         json.RawMessage `json:"items"`
	Page          int             `json:"page"`
	Number        int             `json:"number"`
	Size          int             `json:"size"`
	TotalElements int             `json:"totalElements"`
	Total         int             `json:"total"`
	TotalPages    int             `json:"totalPages"`
}

func (e pageEnvelope) rows() json.RawMessage {
	if len(e.Content) > 0 {
		return e.Content
	}
	return e.Items
}

func (e pageEnvelope) totalElements() int {
	if e.TotalElements > 0 {
		return e.TotalElements
	}
	return e.Total
}

func (e pageEnvelope) page() int {
	if e.Page > 0 {
		return e.Page
	}
	return e.Number
}

func (c *Client) ListProducts(ctx context.Context, page int, size int) (domain.ProductPage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))
	return c.productPage(ctx, "/api/products?"+query.Encode())
}

func (c *Client) SearchProducts(ctx context.Context, filter domain.ProductFilter, page int, size int) (domain.ProductPage, error) {
	query := url.Values{}
	if filter.Name != "" {
		query.Set("name", filter.Name)
	}
	if filter.SKU != "" {
		query.Set("sku", filter.SKU)
	}
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))
	return c.productPage(ctx, "/api/products/search?"+query.Encode())
}

func (c *Client) productPage(ctx context.Context, path string) (domain.ProductPage, error) {
	var envelope pageEnvelope
	if err := c.do(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return domain.ProductPage{}, err
	}

	var products []domain.Product
	if rows := envelope.rows(); len(rows) > 0 {
		if err := json.Unmarshal(rows, &products); err != nil {
			return domain.ProductPage{}, fmt.Errorf("%w: malformed product rows: %v", store.ErrTransport, err)
		}
	}
	return domain.ProductPage{
		Content:       products,
		Page:          envelope.page(),
		Size:          envelope.Size,
		TotalElements: envelope.totalElements(),
		TotalPages:    envelope.TotalPages,
	}, nil
}

func (c *Client) ListBatches(ctx context.Context, productID string) ([]domain.StockBatchRaw, error) {
	var batches []domain.StockBatchRaw
	path := "/api/stock/batches?productId=" + url.QueryEscape(productID)
	if err := c.do(ctx, http.MethodGet, path, nil, &batches); err != nil {
		return nil, err
	}
	return batches, nil
}

func (c *Client) CreateBatch(ctx context.Context, req domain.BatchCreateRequest) (domain.StockBatchRaw, error) {
	var batch domain.StockBatchRaw
	if err := c.do(ctx, http.MethodPost, "/api/stock/batches", req, &batch); err != nil {
		return domain.StockBatchRaw{}, err
	}
	return batch, nil
}

func (c *Client) UpdateBatch(ctx context.Context, batch domain.StockBatchRaw) error {
	path := "/api/stock/batches/" + url.PathEscape(batch.ProductID)
	return c.do(ctx, http.MethodPut, path, batch, nil)
}

func (c *Client) CreateSale(ctx context.Context, draft domain.SaleDraft) (domain.FinalizedSale, error) {
	var sale domain.FinalizedSale
	if err := c.do(ctx, http.MethodPost, "/api/sales", draft, &sale); err != nil {
		return domain.FinalizedSale{}, err
	}
	if sale.ID == "" {
		return domain.FinalizedSale{}, fmt.Errorf("%w: sale acknowledged without an id", store.ErrTransport)
	}
	return sale, nil
}

func (c *Client) ListSales(ctx context.Context, page int, size int) (domain.SalePage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))

	var envelope pageEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/sales?"+query.Encode(), nil, &envelope); err != nil {
		return domain.SalePage{}, err
	}

	var sales []domain.FinalizedSale
	if rows := envelope.rows(); len(rows) > 0 {
		if err := json.Unmarshal(rows, &sales); err != nil {
			return domain.SalePage{}, fmt.Errorf("%w: malformed sale rows: %v", store.ErrTransport, err)
		}
	}
	return domain.SalePage{
		Content:       sales,
		Page:          envelope.page(),
		Size:          envelope.Size,
		TotalElements: envelope.totalElements(),
		TotalPages:    envelope.TotalPages,
	}, nil
}

func (c *Client) GetSale(ctx context.Context, id string) (domain.FinalizedSale, error) {
	var sale domain.FinalizedSale
	if err := c.do(ctx, http.MethodGet, "/api/sales/"+url.PathEscape(id), nil, &sale); err != nil {
		return domain.FinalizedSale{}, err
	}
	return sale, nil
}

func (c *Client) CreateOrder(ctx context.Context, amount decimal.Decimal) (domain.GatewayOrder, error) {
	body := map[string]string{
		"amount":   domain.Round2(amount).StringFixed(2),
		"currency": "INR",
	}
	var order domain.GatewayOrder
	if err := c.do(ctx, http.MethodPost, "/api/payments/orders", body, &order); err != nil {
		if !isClassified(err) {
			return domain.GatewayOrder{}, fmt.Errorf("%w: %v", store.ErrGateway, err)
		}
		return domain.GatewayOrder{}, err
	}
	return order, nil
}

func (c *Client) VerifyPayment(ctx context.Context, cb domain.GatewayCallback) error {
	err := c.do(ctx, http.MethodPost, "/api/payments/verify", cb, nil)
	if err != nil && !isClassified(err) {
		return fmt.Errorf("%w: %v", store.ErrGateway, err)
	}
	return err
}

// do runs one request against the backend and classifies the outcome. A 404
// maps to ErrNotFound, other 4xx to ErrValidation, 5xx and network failures
// to ErrTransport.
func (c *Client) do(ctx context.Context, method string, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", store.ErrValidation, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", store.ErrTransport, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", store.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s %s", store.ErrNotFound, method, path)
		case resp.StatusCode < 500:
			return fmt.Errorf("%w: %s %s: status %d: %s", store.ErrValidation, method, path, resp.StatusCode, detail)
		default:
			return fmt.Errorf("%w: %s %s: status %d", store.ErrTransport, method, path, resp.StatusCode)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", store.ErrTransport, err)
	}
	return nil
}

func isClassified(err error) bool {
	for _, sentinel := range []error{store.ErrNotFound, store.ErrValidation, store.ErrTransport, store.ErrGateway} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
