package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awspricing "github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

// The Price List API is only served from a few regions.
const awsPricingEndpointRegion = "us-east-1"

// GetProductsAPI is the subset of the pricing client used by AWSSource.
type GetProductsAPI interface {
	GetProducts(ctx context.Context, params *awspricing.GetProductsInput, optFns ...func(*awspricing.Options)) (*awspricing.GetProductsOutput, error)
}

// AWSSource queries EC2 on-demand prices from the AWS Price List API.
type AWSSource struct {
	client GetProductsAPI
	logger zerolog.Logger
}

// NewAWSSource loads credentials from the default chain, which includes web
// identity federation (AWS_ROLE_ARN + AWS_WEB_IDENTITY_TOKEN_FILE).
func NewAWSSource(ctx context.Context, logger zerolog.Logger) (*AWSSource, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(awsPricingEndpointRegion),
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
		return nil, fmt.Errorf("no usable AWS credentials: %w", err)
	}
	return NewAWSSourceWithClient(awspricing.NewFromConfig(cfg), logger), nil
}

func NewAWSSourceWithClient(client GetProductsAPI, logger zerolog.Logger) *AWSSource {
	return &AWSSource{client: client, logger: logger}
}

func (a *AWSSource) Name() string {
	return "aws"
}

func (a *AWSSource) Offer(ctx context.Context, q Query) (InstanceOffer, error) {
	docs, err := a.PriceList(ctx, q)
	if err != nil {
		return InstanceOffer{}, err
	}

	for _, doc := range docs {
		offer, err := parseAWSPriceList(doc)
		if err != nil {
			a.logger.Debug().Err(err).Str("instance_type", q.InstanceType).Msg("Skipping price list entry")
			continue
		}
		offer.Region = q.Region
		offer.OperatingSystem = q.os()
		return offer, nil
	}
	return InstanceOffer{}, fmt.Errorf("%w: no on-demand SKU for %s in %s", ErrPriceUnavailable, q.InstanceType, q.Region)
}

// PriceList returns the raw price list documents of the on-demand,
// shared-tenancy SKUs matching q.
func (a *AWSSource) PriceList(ctx context.Context, q Query) ([]string, error) {
	location, ok := AWSLocation(q.Region)
	if !ok {
		return nil, fmt.Errorf("%w: unknown AWS region %q", ErrPriceUnavailable, q.Region)
	}

	out, err := a.client.GetProducts(ctx, &awspricing.GetProductsInput{
		ServiceCode:   aws.String("AmazonEC2"),
		FormatVersion: aws.String("aws_v1"),
		MaxResults:    aws.Int32(10),
		Filters: []types.Filter{
			termMatch("location", location),
			termMatch("instanceType", q.InstanceType),
			termMatch("operatingSystem", q.os()),
			termMatch("capacitystatus", "Used"),
			termMatch("locationType", "AWS Region"),
			termMatch("productFamily", "Compute Instance"),
			termMatch("operation", operationFor(q.os())),
			termMatch("tenancy", "Shared"),
			termMatch("preInstalledSw", "NA"),
		},
	})
	if err != nil {
		return nil, classifyAWSError(err)
	}
	return out.PriceList, nil
}

func termMatch(field, value string) types.Filter {
	return types.Filter{
		Type:  types.FilterTypeTermMatch,
		Field: aws.String(field),
		Value: aws.String(value),
	}
}

func operationFor(os string) string {
	if strings.EqualFold(os, "Windows") {
		return "RunInstances:0002"
	}
	return "RunInstances"
}

func classifyAWSError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidParameterException", "NotFoundException", "InvalidNextTokenException":
			return fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrPriceSource, err)
}

// awsPriceList is the part of a price list document we read.
type awsPriceList struct {
	Product struct {
		ProductFamily string            `json:"productFamily"`
		Attributes    map[string]string `json:"attributes"`
		Sku           string            `json:"sku"`
	} `json:"product"`
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				Unit         string            `json:"unit"`
				PricePerUnit map[string]string `json:"pricePerUnit"`
			} `json:"priceDimensions"`
		} `json:"OnDemand"`
	} `json:"terms"`
}

// parseAWSPriceList turns one price list document into an offer.
func parseAWSPriceList(doc string) (InstanceOffer, error) {
	var item awsPriceList
	if err := json.Unmarshal([]byte(doc), &item); err != nil {
		return InstanceOffer{}, fmt.Errorf("malformed price list document: %w", err)
	}

	attrs := item.Product.Attributes
	vcpu, err := strconv.ParseFloat(strings.TrimSpace(attrs["vcpu"]), 64)
	if err != nil || vcpu <= 0 {
		return InstanceOffer{}, fmt.Errorf("sku %s: invalid vcpu %q", item.Product.Sku, attrs["vcpu"])
	}
	memory, err := parseGiB(attrs["memory"])
	if err != nil {
		return InstanceOffer{}, fmt.Errorf("sku %s: %w", item.Product.Sku, err)
	}

	for _, term := range item.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			if !strings.EqualFold(dim.Unit, "Hrs") {
				continue
			}
			price, err := strconv.ParseFloat(dim.PricePerUnit["USD"], 64)
			if err != nil || price <= 0 {
				continue
			}
			return InstanceOffer{
				InstanceType: attrs["instanceType"],
				HourlyPrice:  price,
				VCPU:         vcpu,
				MemoryGiB:    memory,
			}, nil
		}
	}
	return InstanceOffer{}, fmt.Errorf("sku %s: no hourly USD on-demand price", item.Product.Sku)
}

// parseGiB parses memory attributes such as "8 GiB" or "1,952 GiB".
func parseGiB(value string) (float64, error) {
	fields := strings.Fields(strings.ReplaceAll(value, ",", ""))
	if len(fields) != 2 || !strings.EqualFold(fields[1], "GiB") {
		return 0, fmt.Errorf("invalid memory %q", value)
	}
	gib, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || gib <= 0 {
		return 0, fmt.Errorf("invalid memory %q", value)
	}
	return gib, nil
}
