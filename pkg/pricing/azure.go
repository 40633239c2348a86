package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Azure Retail Prices API
const azurePricingAPI = "https://prices.azure.com/api/retail/prices"

const maxAzureResponse = 4 << 20

type azurePriceResponse struct {
	Items []azurePriceItem `json:"Items"`
}

type azurePriceItem struct {
	CurrencyCode  string  `json:"currencyCode"`
	RetailPrice   float64 `json:"retailPrice"`
	UnitOfMeasure string  `json:"unitOfMeasure"`
	ProductName   string  `json:"productName"`
	SkuName       string  `json:"skuName"`
	ArmSkuName    string  `json:"armSkuName"`
	ArmRegionName string  `json:"armRegionName"`
	Type          string  `json:"type"`
}

// AzureSource prices AKS nodes from the public Azure Retail Prices API.
// The API does not publish VM sizes, so vCPU and memory come from the query.
type AzureSource struct {
	baseURL    string
	httpClient *http.Client
}

func NewAzureSource(timeout time.Duration) *AzureSource {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &AzureSource{
		baseURL: azurePricingAPI,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (a *AzureSource) Name() string {
	return "azure"
}

func (a *AzureSource) Offer(ctx context.Context, q Query) (InstanceOffer, error) {
	if q.VCPU <= 0 {
		return InstanceOffer{}, fmt.Errorf("%w: no vCPU count for %s", ErrPriceUnavailable, q.InstanceType)
	}

	body, err := a.RetailPrices(ctx, q)
	if err != nil {
		return InstanceOffer{}, err
	}

	var priceResp azurePriceResponse
	if err := json.Unmarshal(body, &priceResp); err != nil {
		return InstanceOffer{}, fmt.Errorf("%w: malformed azure pricing response: %v", ErrPriceSource, err)
	}

	windows := strings.EqualFold(q.os(), "Windows")
	for _, item := range priceResp.Items {
		if !usableAzureItem(item, windows) {
			continue
		}
		return InstanceOffer{
			InstanceType:    q.InstanceType,
			Region:          q.Region,
			OperatingSystem: q.os(),
			HourlyPrice:     item.RetailPrice,
			VCPU:            q.VCPU,
			MemoryGiB:       q.MemoryGiB,
		}, nil
	}
	return InstanceOffer{}, fmt.Errorf("%w: no consumption price for %s in %s", ErrPriceUnavailable, q.InstanceType, q.Region)
}

// RetailPrices returns the raw Retail Prices API response for the VM size
// and region of q.
func (a *AzureSource) RetailPrices(ctx context.Context, q Query) ([]byte, error) {
	filter := fmt.Sprintf(
		"serviceName eq 'Virtual Machines' and armRegionName eq '%s' and armSkuName eq '%s' and priceType eq 'Consumption'",
		q.Region, q.InstanceType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"?$filter="+url.QueryEscape(filter), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceSource, err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceSource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: azure pricing API returned status %d", ErrPriceSource, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAzureResponse))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read azure pricing response: %v", ErrPriceSource, err)
	}
	return body, nil
}

// usableAzureItem keeps pay-as-you-go hourly USD prices for the requested OS.
func usableAzureItem(item azurePriceItem, windows bool) bool {
	if item.CurrencyCode != "USD" || item.UnitOfMeasure != "1 Hour" || item.RetailPrice <= 0 {
		return false
	}
	if item.Type != "" && item.Type != "Consumption" {
		return false
	}
	sku := strings.ToLower(item.SkuName)
	if strings.Contains(sku, "spot") || strings.Contains(sku, "low priority") {
		return false
	}
	return strings.Contains(item.ProductName, "Windows") == windows
}
