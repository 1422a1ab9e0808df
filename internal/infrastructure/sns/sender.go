package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/go-join-verify/internal/config"
	"github.com/go-join-verify/internal/domain"
)

// Auditor publishes verification outcomes.
type Auditor interface {
	Publish(ctx context.Context, ev domain.AuditEvent) error
}

// PublishAPI is the subset of the SNS client the publisher uses.
type PublishAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type publisher struct {
	client   PublishAPI
	topicARN string
}

// NewAuditor returns an SNS-backed Auditor, or a no-op one when no topic is configured.
func NewAuditor(ctx context.Context, cfg *config.Config) (Auditor, error) {
	if cfg.AuditSNSTopicARN == "" {
		return Nop{}, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if cfg.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SNS: %w", err)
	}
	var clientOpts []func(*sns.Options)
	if cfg.AWSEndpointURL != "" {
		clientOpts = append(clientOpts, func(o *sns.Options) { o.BaseEndpoint = aws.String(cfg.AWSEndpointURL) })
	}
	return NewPublisher(sns.NewFromConfig(awsCfg, clientOpts...), cfg.AuditSNSTopicARN), nil
}

func NewPublisher(client PublishAPI, topicARN string) Auditor {
	return &publisher{client: client, topicARN: topicARN}
}

func (p *publisher) Publish(ctx context.Context, ev domain.AuditEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(b)),
		Subject:  aws.String("verification " + ev.Kind),
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}

// Nop discards audit events.
type Nop struct{}

func (Nop) Publish(context.Context, domain.AuditEvent) error { return nil }
