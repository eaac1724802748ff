// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Package objectstore wraps the S3-compatible client used for backup
// uploads and restore downloads (spec.md 6, "Object store"). Server-side
// encryption is requested on every write; files at or below 32 MiB go
// through a single PutObject, larger files through the manager's
// multipart uploader (spec.md 4.3 phase 1 step 3).
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

// MultipartThreshold is the size above which an upload goes through the
// multipart uploader instead of a single PutObject (spec.md 4.3 step 3).
const MultipartThreshold = 32 * 1024 * 1024

// RetryAttempts and RetryPause match spec.md 4.3, "Retry policy for
// object-store errors: bounded (three tries with a 60-second pause)".
const (
	RetryAttempts = 3
	RetryPause    = 60 * time.Second
)

// Config describes how to reach the bucket: a fixed region/endpoint pair
// plus either static credentials (pushed by get_s3_access, spec.md 4.5) or
// the ambient provider chain.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // non-empty for S3-compatible non-AWS endpoints
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	UsePathStyle    bool
}

// Store is the narrow collaborator the pipeline and restore packages
// depend on; production code talks to *Client, tests provide a fake.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Client is the S3-backed implementation of Store, adapted from the
// dbtether storage client for the bitcalm key layout and SSE-on-every-write
// policy (spec.md 6, "Object store").
type Client struct {
	api    *s3.Client
	bucket string
	logger zerolog.Logger
}

// NewClient builds a Client from cfg, resolving credentials statically
// when AccessKeyID is set and falling back to the default provider chain
// otherwise (e.g. instance role, for install-time bootstrapping before the
// controller has pushed access).
func NewClient(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: loading aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Client{api: api, bucket: cfg.Bucket, logger: logger.With().Str("component", "objectstore").Logger()}, nil
}

// Put uploads body at key with server-side encryption, choosing between a
// single PutObject and a multipart upload by size (spec.md 4.3 step 3).
func (c *Client) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if size > MultipartThreshold {
		return c.putMultipart(ctx, key, body)
	}
	return c.putSingle(ctx, key, body)
}

func (c *Client) putSingle(ctx context.Context, key string, body io.Reader) error {
	var lastErr error
	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:               aws.String(c.bucket),
			Key:                  aws.String(key),
			Body:                 body,
			ServerSideEncryption: types.ServerSideEncryptionAes256,
		})
		if err == nil {
			return nil
		}
		lastErr = err
		c.logger.Warn().Err(err).Str("key", key).Int("attempt", attempt).Msg("put object failed")
		if attempt < RetryAttempts {
			time.Sleep(RetryPause)
		}
	}
	return fmt.Errorf("objectstore: put %s: %w", key, lastErr)
}

// putMultipart uses the transfer manager's uploader, which internally
// splits body into MultipartThreshold-sized parts. Any part's exhausted
// retry cancels the whole upload session (spec.md 4.3, "multipart uploads
// cancel their session on any part's exhausted retry" — the manager's
// AbortIncompleteMultipartUpload on context cancellation implements this).
func (c *Client) putMultipart(ctx context.Context, key string, body io.Reader) error {
	uploader := manager.NewUploader(c.api, func(u *manager.Uploader) {
		u.PartSize = MultipartThreshold
	})

	var lastErr error
	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:               aws.String(c.bucket),
			Key:                  aws.String(key),
			Body:                 body,
			ServerSideEncryption: types.ServerSideEncryptionAes256,
		})
		if err == nil {
			return nil
		}
		lastErr = err
		c.logger.Warn().Err(err).Str("key", key).Int("attempt", attempt).Msg("multipart upload failed")
		if attempt < RetryAttempts {
			time.Sleep(RetryPause)
		}
	}
	return fmt.Errorf("objectstore: multipart put %s: %w", key, lastErr)
}

// Get fetches key, decompression (if any) is the caller's responsibility.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	return out.Body, nil
}

// List returns every key under prefix, paginating as needed. Used by
// restore to enumerate a backup's database dumps (spec.md 4.4 step 3,
// "database object under the databases/ prefix").
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("objectstore: listing %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Exists reports whether key is present, via a HeadObject probe. Used by
// restore to decide between the local catalog, the remote catalog, and an
// API file-list fallback (spec.md 4.4 step 1).
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("objectstore: head %s: %w", key, err)
	}
	return true, nil
}
