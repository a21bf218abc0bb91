package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// Version stages understood by Secrets Manager during rotation.
const (
	StageCurrent  = "AWSCURRENT"
	StagePrevious = "AWSPREVIOUS"
)

// secretsAPI is the subset of *secretsmanager.Client used here.
type secretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManagerProvider reads JSON object secrets from AWS Secrets Manager.
type AWSSecretsManagerProvider struct {
	client secretsAPI
	stage  string
}

// AWSOption configures an AWSSecretsManagerProvider.
type AWSOption func(*AWSSecretsManagerProvider)

// WithVersionStage pins reads to a version stage, e.g. StagePrevious while a
// rotated password has not reached the panel backend yet.
func WithVersionStage(stage string) AWSOption {
	return func(p *AWSSecretsManagerProvider) { p.stage = stage }
}

// NewAWSProvider creates a provider for the given region using the default
// credential chain.
func NewAWSProvider(ctx context.Context, region string, opts ...AWSOption) (*AWSSecretsManagerProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newAWSProvider(secretsmanager.NewFromConfig(cfg), opts...), nil
}

func newAWSProvider(client secretsAPI, opts ...AWSOption) *AWSSecretsManagerProvider {
	p := &AWSSecretsManagerProvider{client: client, stage: StageCurrent}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetSecret fetches the secret and flattens its JSON object into strings.
// Non-string scalars keep their JSON text, so {"port": 5432} yields "5432".
func (p *AWSSecretsManagerProvider) GetSecret(ctx context.Context, name string) (map[string]string, error) {
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(name),
		VersionStage: aws.String(p.stage),
	})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: %s (%s)", ErrSecretNotFound, name, p.stage)
		}
		return nil, fmt.Errorf("failed to fetch secret [%s]: %w", name, err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret [%s] has no string value", name)
	}
	return flattenSecret(name, []byte(*out.SecretString))
}

func flattenSecret(name string, raw []byte) (map[string]string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("invalid secret format for [%s]: %w", name, err)
	}

	result := make(map[string]string, len(fields))
	for k, v := range fields {
		v = bytes.TrimSpace(v)
		switch {
		case bytes.Equal(v, []byte("null")):
			continue
		case len(v) > 0 && v[0] == '"':
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return nil, fmt.Errorf("invalid value for %q in [%s]: %w", k, name, err)
			}
			result[k] = s
		case len(v) > 0 && (v[0] == '{' || v[0] == '['):
			return nil, fmt.Errorf("invalid secret format for [%s]: %q is not a scalar", name, k)
		default:
			result[k] = string(v)
		}
	}
	return result, nil
}
