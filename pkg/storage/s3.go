// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/ec2rolecreds"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// CredentialSource selects how the S3 backend obtains credentials. The
// choice is resolved once at construction; nothing downstream branches
// on it again.
type CredentialSource string

const (
	// CredentialAuto uses the SDK's default resolution chain.
	CredentialAuto CredentialSource = "auto"
	// CredentialStatic uses fixed keys from configuration.
	CredentialStatic CredentialSource = "static"
	// CredentialWebIdentity exchanges a web identity token for
	// temporary role credentials via STS.
	CredentialWebIdentity CredentialSource = "web_identity"
	// CredentialProfile reads a named section of the shared
	// credentials file.
	CredentialProfile CredentialSource = "profile"
	// CredentialInstance queries the EC2 instance metadata service.
	CredentialInstance CredentialSource = "instance"
)

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket   string
	Region   string
	Prefix   string // key prefix prepended to every object path
	Endpoint string // custom endpoint for S3-compatible stores

	Credentials S3Credentials
}

// S3Credentials is the tagged credential-source variant.
type S3Credentials struct {
	Source CredentialSource

	// Static keys.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Web identity exchange.
	RoleARN         string
	SessionName     string
	WebIdentityFile string

	// Shared credentials file.
	Profile string
}

// S3 implements Backend on an S3-compatible object store. Conditional
// writes map directly onto S3's native If-Match/If-None-Match support,
// so no locking is needed even across replicas.
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
}

var (
	_ Backend   = (*S3)(nil)
	_ URLSigner = (*S3)(nil)
)

// NewS3 builds an S3 backend, resolving the configured credential
// source into a single provider up front.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 storage requires a bucket")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Credentials.Source == CredentialProfile {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Credentials.Profile))
	}
	base, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	switch cfg.Credentials.Source {
	case "", CredentialAuto, CredentialProfile:
		// Default chain or shared-profile, already resolved above.
	case CredentialStatic:
		base.Credentials = credentials.NewStaticCredentialsProvider(
			cfg.Credentials.AccessKeyID,
			cfg.Credentials.SecretAccessKey,
			cfg.Credentials.SessionToken,
		)
	case CredentialWebIdentity:
		base.Credentials = aws.NewCredentialsCache(stscreds.NewWebIdentityRoleProvider(
			sts.NewFromConfig(base),
			cfg.Credentials.RoleARN,
			stscreds.IdentityTokenFile(cfg.Credentials.WebIdentityFile),
			func(o *stscreds.WebIdentityRoleOptions) {
				if cfg.Credentials.SessionName != "" {
					o.RoleSessionName = cfg.Credentials.SessionName
				}
			},
		))
	case CredentialInstance:
		base.Credentials = aws.NewCredentialsCache(ec2rolecreds.New(func(o *ec2rolecreds.Options) {
			o.Client = imds.NewFromConfig(base)
		}))
	default:
		return nil, fmt.Errorf("unknown credential source %q", cfg.Credentials.Source)
	}

	client := s3.NewFromConfig(base, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (b *S3) key(p string) string {
	return path.Join(b.prefix, p)
}

// Get reads an object; the returned token is the object's ETag.
func (b *S3) Get(ctx context.Context, p string) ([]byte, Token, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	if err != nil {
		return nil, NoToken, mapS3Error(err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, NoToken, fmt.Errorf("%w: reading object body: %v", ErrUnavailable, err)
	}
	return data, Token(aws.ToString(out.ETag)), nil
}

// Put writes an object unconditionally.
func (b *S3) Put(ctx context.Context, p string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return mapS3Error(err)
	}
	return nil
}

// PutIfMatch writes an object guarded by S3's conditional-write
// headers: If-None-Match: * for creation, If-Match: <etag> for
// replacement.
func (b *S3) PutIfMatch(ctx context.Context, p string, expected Token, data []byte) (Token, error) {
	in := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
		Body:   bytes.NewReader(data),
	}
	if expected == NoToken {
		in.IfNoneMatch = aws.String("*")
	} else {
		in.IfMatch = aws.String(string(expected))
	}
	out, err := b.client.PutObject(ctx, in)
	if err != nil {
		return NoToken, mapS3Error(err)
	}
	return Token(aws.ToString(out.ETag)), nil
}

// Exists reports whether an object is present.
func (b *S3) Exists(ctx context.Context, p string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	if err != nil {
		if errors.Is(mapS3Error(err), ErrNotFound) {
			return false, nil
		}
		return false, mapS3Error(err)
	}
	return true, nil
}

// List returns the paths of all objects under prefix, with the
// backend's configured key prefix stripped.
func (b *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	pager := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.key(prefix)),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error(err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if b.prefix != "" {
				key = strings.TrimPrefix(key, b.prefix+"/")
			}
			paths = append(paths, key)
		}
	}
	return paths, nil
}

// SignGetURL presigns a direct GET for the object, letting the server
// redirect downloads to the bucket.
func (b *S3) SignGetURL(ctx context.Context, p string, expiry time.Duration) (string, error) {
	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", mapS3Error(err)
	}
	return req.URL, nil
}

// mapS3Error translates SDK failures into the backend's three failure
// kinds so callers never inspect AWS error codes.
func mapS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return ErrNotFound
		case "PreconditionFailed", "ConditionalRequestConflict":
			return ErrPreconditionFailed
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusPreconditionFailed, http.StatusConflict:
			return ErrPreconditionFailed
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
