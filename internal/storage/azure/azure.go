// Package azure implements storage.Backend on Azure Blob Storage.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/pslog"

	"github.com/KauaneAlmeida/projet-backendd/internal/storage"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements storage.Backend backed by a blob container.
type Store struct {
	client    *azblob.Client
	container string
	prefix    string
}

// New builds the client and creates the container when it is missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	opts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: defaultTransporter()}}
	var (
		client *azblob.Client
		err    error
	)
	if cfg.SASToken != "" {
		withSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(withSAS, opts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	createCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(createCtx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, wrapError(err, "azure: create container")
	}
	return &Store{
		client:    client,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	clone.MaxIdleConns = 64
	clone.MaxIdleConnsPerHost = 16
	clone.IdleConnTimeout = 90 * time.Second
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery += "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// Close satisfies storage.Backend.
func (s *Store) Close() error { return nil }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return storage.Logger(ctx, "azure")
}

func (s *Store) blobName(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *Store) logicalKey(name string) string {
	if s.prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, s.prefix+"/")
}

// ListObjects pages through blobs under opts.Prefix.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	prefix := s.blobName(opts.Prefix)
	if strings.HasSuffix(opts.Prefix, "/") && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	result := &storage.ListResult{}
outer:
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			s.logger(ctx).Debug("azure.list_objects.error", "prefix", opts.Prefix, "error", err)
			return nil, wrapError(err, "azure: list objects")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			key := s.logicalKey(*item.Name)
			if opts.StartAfter != "" && key <= opts.StartAfter {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
				break outer
			}
			info := storage.ObjectInfo{Key: key}
			if props := item.Properties; props != nil {
				if props.ETag != nil {
					info.ETag = string(*props.ETag)
				}
				if props.ContentLength != nil {
					info.Size = *props.ContentLength
				}
				if props.LastModified != nil {
					info.LastModified = props.LastModified.UTC()
				}
				if props.ContentType != nil {
					info.ContentType = *props.ContentType
				}
			}
			result.Objects = append(result.Objects, info)
		}
	}
	return result, nil
}

// GetObject downloads key as a stream.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, s.blobName(key), nil)
	if err != nil {
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, wrapError(err, "azure: download object")
	}
	info := &storage.ObjectInfo{Key: key}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	return storage.GetObjectResult{Reader: resp.Body, Info: info}, nil
}

// PutObject uploads key with If-None-Match / If-Match access conditions.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	uploadOpts := &azblob.UploadStreamOptions{HTTPHeaders: &blob.HTTPHeaders{}}
	if opts.ContentType != "" {
		uploadOpts.HTTPHeaders.BlobContentType = to.Ptr(opts.ContentType)
	}
	if cond := accessConditions(opts.ExpectedETag, opts.IfNotExists); cond != nil {
		uploadOpts.AccessConditions = cond
	}
	counter := &countingReader{r: body}
	resp, err := s.client.UploadStream(ctx, s.container, s.blobName(key), counter, uploadOpts)
	if err != nil {
		if isPreconditionFailed(err) {
			s.logger(ctx).Debug("azure.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "if_not_exists", opts.IfNotExists)
			return nil, storage.ErrCASMismatch
		}
		if opts.ExpectedETag != "" && isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapError(err, "azure: upload object")
	}
	info := &storage.ObjectInfo{Key: key, ContentType: opts.ContentType, Size: counter.n, LastModified: time.Now().UTC()}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	return info, nil
}

// DeleteObject removes key, guarded by If-Match when ExpectedETag is set.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	deleteOpts := &azblob.DeleteBlobOptions{AccessConditions: accessConditions(opts.ExpectedETag, false)}
	if _, err := s.client.DeleteBlob(ctx, s.container, s.blobName(key), deleteOpts); err != nil {
		switch {
		case isNotFound(err):
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		case isPreconditionFailed(err):
			return storage.ErrCASMismatch
		}
		return wrapError(err, "azure: delete object")
	}
	return nil
}

func accessConditions(expectedETag string, ifNotExists bool) *blob.AccessConditions {
	switch {
	case expectedETag != "":
		return &blob.AccessConditions{ModifiedAccessConditions: &blob.ModifiedAccessConditions{
			IfMatch: to.Ptr(azcore.ETag(expectedETag)),
		}}
	case ifNotExists:
		return &blob.AccessConditions{ModifiedAccessConditions: &blob.ModifiedAccessConditions{
			IfNoneMatch: to.Ptr(azcore.ETag("*")),
		}}
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	if respErr.StatusCode == http.StatusPreconditionFailed {
		return true
	}
	return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "BlobAlreadyExists")
}

func isNotFound(err error) bool {
	return statusCode(err) == http.StatusNotFound
}

func wrapError(err error, msg string) error {
	code := statusCode(err)
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if code >= http.StatusInternalServerError || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout ||
		errors.Is(err, context.DeadlineExceeded) || storage.IsNetworkError(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}
