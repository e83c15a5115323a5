// Package transport delivers rendered SMS bodies to their destination.
package transport

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// SNSTransport sends SMS via AWS SNS.
type SNSTransport struct {
	client *sns.Client
	logger *zap.Logger
}

// SNSConfig holds SNS settings.
type SNSConfig struct {
	Region string
}

// NewSNSTransport creates an SNS-backed SMS transport.
func NewSNSTransport(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSTransport, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SNS: %w", err)
	}

	return &SNSTransport{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send publishes the body to the destination phone number and returns
// the SNS message id as the provider reference.
func (t *SNSTransport) Send(ctx context.Context, destination, body string) (string, error) {
	if destination == "" {
		return "", fmt.Errorf("empty destination")
	}
	if body == "" {
		return "", fmt.Errorf("empty body")
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(destination),
		Message:     aws.String(body),
	}

	result, err := t.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sns publish failed: %w", err)
	}

	t.logger.Info("SMS sent via SNS",
		zap.String("destination", destination),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return aws.ToString(result.MessageId), nil
}
