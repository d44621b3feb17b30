package backend

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"github.com/KauaneAlmeida/projet-backendd/internal/storage"
	awsstore "github.com/KauaneAlmeida/projet-backendd/internal/storage/aws"
	azurestore "github.com/KauaneAlmeida/projet-backendd/internal/storage/azure"
	"github.com/KauaneAlmeida/projet-backendd/internal/storage/disk"
	"github.com/KauaneAlmeida/projet-backendd/internal/storage/logging"
	"github.com/KauaneAlmeida/projet-backendd/internal/storage/memory"
	"github.com/KauaneAlmeida/projet-backendd/internal/storage/s3"
)

const bucketCheckTimeout = 10 * time.Second

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// bucketChecker is implemented by backends that can verify their bucket.
type bucketChecker interface {
	BucketExists(ctx context.Context) (bool, error)
}

// OpenBackend opens the backend named by cfg.Store and wraps it with
// operation logging. Object store backends verify the bucket exists.
func OpenBackend(ctx context.Context, cfg Config, logger pslog.Logger) (storage.Backend, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	var (
		backend storage.Backend
		kind    = u.Scheme
	)
	switch u.Scheme {
	case "memory", "mem", "":
		kind = "mem"
		backend = memory.New()
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		backend, err = disk.New(diskCfg)
		if err != nil {
			return nil, err
		}
	case "s3":
		s3cfg, summary, err := BuildS3Config(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("storage.credentials", "source", summary.Source, "access_key", summary.AccessKey, "has_secret", summary.HasSecret)
		backend, err = s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
	case "aws":
		awscfg, summary, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("storage.credentials", "source", summary.Source, "access_key", summary.AccessKey, "has_secret", summary.HasSecret)
		backend, err = awsstore.New(ctx, awscfg)
		if err != nil {
			return nil, err
		}
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		backend, err = azurestore.New(ctx, azureCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	if err := ensureBucket(ctx, backend); err != nil {
		_ = backend.Close()
		return nil, err
	}
	return logging.Wrap(backend, logger, kind), nil
}

func ensureBucket(ctx context.Context, backend storage.Backend) error {
	checker, ok := backend.(bucketChecker)
	if !ok {
		return nil
	}
	checkCtx, cancel := context.WithTimeout(ctx, bucketCheckTimeout)
	defer cancel()
	exists, err := checker.BucketExists(checkCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket does not exist")
	}
	return nil
}

// BuildS3Config parses s3://host[:port]/bucket[/prefix] URLs for S3-compatible
// services such as MinIO.
func BuildS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	insecure := strings.EqualFold(query.Get("scheme"), "http") || queryBool(query, "insecure")
	cred, summary, err := resolveS3Credentials()
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: queryBool(query, "path-style"),
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs.
func BuildAWSConfig(cfg Config) (awsstore.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store requires region (set ?region=, --aws-region or AWS_REGION)")
	}
	return awsstore.Config{
		Endpoint:     strings.TrimSpace(query.Get("endpoint")),
		Region:       region,
		Bucket:       bucket,
		Prefix:       strings.Trim(u.Path, "/"),
		Insecure:     queryBool(query, "insecure"),
		UsePathStyle: queryBool(query, "path-style"),
	}, awsCredentialSummary(), nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucketPath(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	sas := strings.TrimSpace(query.Get("sas"))
	if sas == "" {
		sas = firstEnv("WABRIDGE_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: firstEnv("WABRIDGE_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY"),
		Endpoint:   strings.TrimSpace(query.Get("endpoint")),
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildDiskConfig parses disk:///path URLs.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/wabridge)")
	}
	return disk.Config{Root: filepath.Clean(pathPart)}, nil
}

func resolveS3Credentials() (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := firstEnv("WABRIDGE_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID")
	secretKey := strings.TrimSpace(os.Getenv("WABRIDGE_S3_SECRET_ACCESS_KEY"))
	source := "env:WABRIDGE_S3_ACCESS_KEY_ID"
	if secretKey == "" {
		secretKey = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY"))
		source = "env:AWS_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != ""}
	switch {
	case accessKey == "" && secretKey == "":
		summary.Source = "anonymous"
		return minioCredentials.NewStaticV4("", "", ""), summary, nil
	case accessKey == "" || secretKey == "":
		summary.Source = source
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	summary.Source = source
	token := firstEnv("WABRIDGE_S3_SESSION_TOKEN", "AWS_SESSION_TOKEN")
	return minioCredentials.NewStaticV4(accessKey, secretKey, token), summary, nil
}

func awsCredentialSummary() CredentialSummary {
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		return CredentialSummary{
			AccessKey: access,
			HasSecret: strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != "",
			Source:    "env:AWS_ACCESS_KEY_ID",
		}
	}
	if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		return CredentialSummary{Source: "profile:" + profile}
	}
	return CredentialSummary{Source: "auto"}
}

func splitBucketPath(p string) (bucket, prefix string) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ""
	}
	parts := strings.SplitN(p, "/", 2)
	bucket = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix
}

func queryBool(q url.Values, key string) bool {
	v := q.Get(key)
	if v == "" {
		return false
	}
	ok, err := strconv.ParseBool(v)
	return err == nil && ok
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
