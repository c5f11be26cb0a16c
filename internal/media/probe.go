// Package media verifies post attachments exist in object storage before a
// publish attempt goes out. Missing media is a content problem, not a
// transient one, so probe failures reject the target without burning retries.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"social-publisher/internal/config"
	"social-publisher/internal/models"
)

type headClient interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Prober pre-flights media references stored under s3://. Non-s3 URLs are
// assumed reachable and skipped.
type Prober struct {
	client        headClient
	defaultBucket string
}

// NewProber builds an S3-backed prober from the shared config. Returns nil
// (probing disabled) when no bucket is configured.
func NewProber(ctx context.Context, cfg config.Config) (*Prober, error) {
	if cfg.MediaBucket == "" {
		return nil, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Prober{client: client, defaultBucket: cfg.MediaBucket}, nil
}

// NewProberWithClient is used by tests to inject a fake S3 client.
func NewProberWithClient(client headClient, defaultBucket string) *Prober {
	return &Prober{client: client, defaultBucket: defaultBucket}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// Probe checks every s3:// reference in refs. A missing object comes back as
// ContentRejected; storage trouble comes back as a retryable network error.
func (p *Prober) Probe(ctx context.Context, refs []models.MediaRef) error {
	if p == nil {
		return nil
	}
	for _, ref := range refs {
		bucket, key, ok := p.parseRef(ref.URL)
		if !ok {
			continue
		}
		_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			continue
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "NotFound", "NoSuchKey", "NoSuchBucket":
				return models.NewPublishError(models.KindContentRejected,
					fmt.Sprintf("media object %s/%s does not exist", bucket, key))
			case "Forbidden", "AccessDenied":
				return models.NewPublishError(models.KindConfiguration,
					fmt.Sprintf("media object %s/%s is not readable", bucket, key))
			}
		}
		return models.WrapPublishError(models.KindNetwork, fmt.Errorf("probe media %s/%s: %w", bucket, key, err))
	}
	return nil
}

// parseRef extracts (bucket, key) from an s3:// URL. Bare keys resolve
// against the default bucket; http(s) URLs are not probed.
func (p *Prober) parseRef(raw string) (bucket, key string, ok bool) {
	if strings.HasPrefix(raw, "s3://") {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return "", "", false
		}
		return u.Host, strings.TrimPrefix(u.Path, "/"), true
	}
	if !strings.Contains(raw, "://") && p.defaultBucket != "" {
		return p.defaultBucket, strings.TrimPrefix(raw, "/"), true
	}
	return "", "", false
}
