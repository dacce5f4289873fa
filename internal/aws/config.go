package aws

import (
	"context"
	"fmt"
	"os"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// EndpointOverride returns the custom endpoint (e.g. http://localhost:4566)
// from AWS_ENDPOINT_OVERRIDE, falling back to AWS_ENDPOINT_URL.
func EndpointOverride() string {
	if v := os.Getenv("AWS_ENDPOINT_OVERRIDE"); v != "" {
		return v
	}
	return os.Getenv("AWS_ENDPOINT_URL")
}

func LoadAWSConfig(ctx context.Context) (sdkaws.Config, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1" // default fallback
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if endpoint := EndpointOverride(); endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return cfg, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return cfg, nil
}
