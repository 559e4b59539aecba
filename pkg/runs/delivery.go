package runs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Deliverer publishes a finished report outside the sink.
type Deliverer interface {
	Deliver(ctx context.Context, r *Report) error
}

// Deliverers fans a report out to every deliverer. Delivery failures never
// change the outcome of a run; they are logged and joined.
type Deliverers []Deliverer

func (d Deliverers) Deliver(ctx context.Context, r *Report) error {
	var errs []error
	for _, each := range d {
		if err := each.Deliver(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// S3Config configures the report archive.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // optional; for S3-compatible stores such as MinIO
	AccessKeyID     string // optional; falls back to the default credentials chain
	SecretAccessKey string
	PathStyle       bool
}

// S3Archiver stores each final report as
// {prefix}/{sync_key}/{yyyy}/{mm}/{run_id}.json.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver builds an archiver from cfg using the AWS default config
// chain.
func NewS3Archiver(ctx context.Context, cfg S3Config, optFns ...func(*s3.Options)) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 archive: bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3 archive: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		for _, fn := range optFns {
			fn(o)
		}
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Key returns the object key of a report.
func (a *S3Archiver) Key(r *Report) string {
	return path.Join(a.prefix, sanitizeKey(r.SyncKey), r.StartedAt.UTC().Format("2006/01"), r.RunID+".json")
}

func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}

func (a *S3Archiver) Deliver(ctx context.Context, r *Report) error {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("s3 archive: %w", err)
	}
	key := a.Key(r)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{"run-status": string(r.Status)},
	})
	if err != nil {
		return fmt.Errorf("s3 archive %s: %w", key, err)
	}
	return nil
}

// WebhookNotifier POSTs the report JSON to a URL.
type WebhookNotifier struct {
	URL        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookNotifier creates a notifier with a 30s timeout.
func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{URL: url, httpClient: &http.Client{Timeout: 30 * time.Second}, logger: logger}
}

func (n *WebhookNotifier) Deliver(ctx context.Context, r *Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	n.logger.Debug("report delivered", "url", n.URL, "runId", r.RunID)
	return nil
}
