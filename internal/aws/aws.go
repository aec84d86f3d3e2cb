// Package aws builds AWS SDK configurations from datasync secrets.
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/sotplane/datasync/internal/config"
)

// Config loads the default AWS configuration for region. If creds is set,
// the credentials are taken from that secret instead of the default chain.
func Config(ctx context.Context, region string, creds *config.SecretRef) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if creds != nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(NewSecretCredentialsProvider(creds)))
	}

	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// SecretCredentialsProvider resolves an "aws_auth" secret on every Retrieve,
// so rotated environment values are picked up.
type SecretCredentialsProvider struct {
	ref *config.SecretRef
}

func NewSecretCredentialsProvider(ref *config.SecretRef) *SecretCredentialsProvider {
	return &SecretCredentialsProvider{ref: ref}
}

func (p *SecretCredentialsProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	value, err := p.ref.Resolve(ctx)
	if err != nil {
		return aws.Credentials{}, err
	}

	creds, ok := value.(config.SecretAWS)
	if !ok {
		return aws.Credentials{}, fmt.Errorf("unsupported secret type '%T' for AWS credentials", value)
	}

	return credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken).Retrieve(ctx)
}
