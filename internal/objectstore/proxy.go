// Package objectstore implements PAM's proxy to the cloud object store:
// an S3 client scoped to a bucket/prefix, with pre-upload format
// validation and a move operation implemented as copy-then-delete (S3
// has no atomic rename).
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/DroneLeaf/petal-app-manager/internal/proxy"
	"github.com/DroneLeaf/petal-app-manager/internal/session"
)

// Config configures the object store proxy.
type Config struct {
	Bucket      string
	Prefix      string
	Region      string
	EndpointURL string // overrides the S3 endpoint, for on-prem/MinIO
}

// Proxy is PAM's cloud object store client.
type Proxy struct {
	*proxy.BaseProxy

	cfg     Config
	session *session.Manager
	client  *s3.Client
}

// New constructs the proxy; Start resolves AWS credentials and opens the
// client.
func New(cfg Config, sessionMgr *session.Manager) *Proxy {
	return &Proxy{BaseProxy: proxy.NewBaseProxy("object_store"), cfg: cfg, session: sessionMgr}
}

// Start resolves AWS credentials from the standard chain and constructs
// the S3 client. Like every PAM proxy it never fails the process: a
// credential-resolution failure falls to pending and retries.
func (p *Proxy) Start(ctx context.Context) error {
	if err := p.connect(ctx); err != nil {
		go p.RunReconnectLoop(ctx, 5*time.Second, p.connect)
		return nil
	}
	return nil
}

func (p *Proxy) connect(ctx context.Context) error {
	var opts []func(*awsconfig.LoadOptions) error
	if p.cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(p.cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if p.cfg.EndpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(p.cfg.EndpointURL)
			o.UsePathStyle = true
		})
	}

	p.client = s3.NewFromConfig(awsCfg, s3Opts...)
	p.SetStatus(proxy.StatusHealthy, "", map[string]interface{}{"bucket": p.cfg.Bucket})
	return nil
}

// Stop only halts the reconnect loop: the S3 client holds no persistent
// connection.
func (p *Proxy) Stop(ctx context.Context) error {
	p.StopReconnectLoop()
	return nil
}

// Upload validates content against the closed set of accepted flight-log
// formats, then stores it under key (if supplied) or an auto-generated
// key {prefix}/{machine_id}/{timestamp}_{filename}.
func (p *Proxy) Upload(ctx context.Context, key, filename string, content []byte) (string, error) {
	if _, err := DetectFormat(content); err != nil {
		return "", fmt.Errorf("rejecting upload of %s: %w", filename, err)
	}

	if key == "" {
		key = p.autoKey(filename)
	}

	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return "", fmt.Errorf("uploading s3://%s/%s: %w", p.cfg.Bucket, key, err)
	}
	return key, nil
}

func (p *Proxy) autoKey(filename string) string {
	return fmt.Sprintf("%s/%s/%d_%s", p.cfg.Prefix, p.session.MachineID(), time.Now().Unix(), filename)
}

// Download fetches the object at key.
func (p *Proxy) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching s3://%s/%s: %w", p.cfg.Bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// MoveFile relocates an object from src to dst. S3 has no atomic rename,
// so this is implemented as copy-then-delete: dst only exists once the
// copy succeeds, and src is only removed after that, so a failure
// midway leaves the original object intact rather than losing data.
func (p *Proxy) MoveFile(ctx context.Context, src, dst string) error {
	_, err := p.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.cfg.Bucket),
		CopySource: aws.String(p.cfg.Bucket + "/" + src),
		Key:        aws.String(dst),
	})
	if err != nil {
		return fmt.Errorf("copying s3://%s/%s to %s: %w", p.cfg.Bucket, src, dst, err)
	}

	_, err = p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(src),
	})
	if err != nil {
		return fmt.Errorf("deleting s3://%s/%s after copy: %w", p.cfg.Bucket, src, err)
	}
	return nil
}
