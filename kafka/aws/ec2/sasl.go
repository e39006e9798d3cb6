// Package kafka_aws_ec2 builds the SASL mechanism for AWS MSK IAM auth
package kafka_aws_ec2

import (
	"context"

	"github.com/Skyrin/go-writeback/e"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/ec2rolecreds"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/aws_msk_iam_v2"
)

const (
	ECode080101 = e.Code0801 + "01"
	ECode080102 = e.Code0801 + "02"
)

// SASLMechanismConfig configuration options for NewSASLMechanism. Without
// static keys the ec2 instance role is used.
type SASLMechanismConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// credentialsProvider picks static keys when given, the instance role otherwise
func (c SASLMechanismConfig) credentialsProvider() aws.CredentialsProvider {
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		return credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken)
	}
	return ec2rolecreds.New()
}

// NewSASLMechanism returns a new MSK IAM SASL mechanism
func NewSASLMechanism(ctx context.Context, c SASLMechanismConfig) (sm sasl.Mechanism, err error) {
	if c.Region == "" {
		return nil, e.N(ECode080101, "region not specified")
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(c.Region))
	if err != nil {
		return nil, e.W(err, ECode080102)
	}
	cfg.Credentials = aws.NewCredentialsCache(c.credentialsProvider())

	return aws_msk_iam_v2.NewMechanism(cfg), nil
}
