// Package azure lists and streams blobs from an Azure Storage container
// addressed by a SAS URL.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/BadgerOps/dxpops/internal/remote"
)

// DefaultPageSize is the largest page the Blob service returns.
const DefaultPageSize = 5000

// Options tune a Container.
type Options struct {
	// Prefix narrows the listing to a virtual folder.
	Prefix   string
	PageSize int32
}

// Container implements remote.Container over the azblob container client.
type Container struct {
	client   *container.Client
	prefix   string
	pageSize int32
	logger   *slog.Logger
}

// New builds a container client from a container SAS URL.
func New(sasURL string, opts Options, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(sasURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid container SAS URL")
	}

	client, err := container.NewClientWithNoCredential(sasURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating container client: %w", err)
	}

	size := opts.PageSize
	if size <= 0 || size > DefaultPageSize {
		size = DefaultPageSize
	}
	return &Container{
		client:   client,
		prefix:   strings.TrimPrefix(opts.Prefix, "/"),
		pageSize: size,
		logger:   logger.With("container", u.Host+u.Path),
	}, nil
}

// ListPage fetches one segment of the flat blob listing starting at token.
func (c *Container) ListPage(ctx context.Context, token string) (remote.Page, error) {
	opts := &container.ListBlobsFlatOptions{MaxResults: &c.pageSize}
	if c.prefix != "" {
		opts.Prefix = &c.prefix
	}
	if token != "" {
		opts.Marker = &token
	}

	pager := c.client.NewListBlobsFlatPager(opts)
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return remote.Page{}, classify("list blobs", err)
	}

	var page remote.Page
	if resp.Segment != nil {
		page.Objects = make([]remote.Object, 0, len(resp.Segment.BlobItems))
		for _, item := range resp.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			obj := remote.Object{Name: *item.Name}
			if p := item.Properties; p != nil {
				if p.ContentLength != nil && *p.ContentLength > 0 {
					obj.Size = *p.ContentLength
				}
				if p.LastModified != nil {
					ts := *p.LastModified
					obj.LastModified = &ts
				}
			}
			page.Objects = append(page.Objects, obj)
		}
	}
	if resp.NextMarker != nil {
		page.NextToken = *resp.NextMarker
	}

	c.logger.Debug("listed page", "objects", len(page.Objects), "more", page.NextToken != "")
	return page, nil
}

// Open streams the named blob.
func (c *Container) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := c.client.NewBlobClient(name).DownloadStream(ctx, nil)
	if err != nil {
		return nil, classify("download "+name, err)
	}
	return resp.Body, nil
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if bloberror.HasCode(err,
		bloberror.AuthenticationFailed,
		bloberror.AuthorizationFailure,
		bloberror.AuthorizationPermissionMismatch,
		bloberror.InsufficientAccountPermissions,
	) {
		return fmt.Errorf("%s: %w", op, remote.ErrAccessDenied)
	}
	if bloberror.HasCode(err, bloberror.ContainerNotFound, bloberror.BlobNotFound, bloberror.ResourceNotFound) {
		return fmt.Errorf("%s: %w", op, remote.ErrNotFound)
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return remote.StatusError(op, respErr.StatusCode, errors.New(respErr.ErrorCode))
	}
	return &remote.TransportError{Op: op, Err: err}
}
