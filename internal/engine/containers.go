package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/BadgerOps/dxpops/internal/config"
	"github.com/BadgerOps/dxpops/internal/remote"
	"github.com/BadgerOps/dxpops/internal/remote/azure"
	"github.com/BadgerOps/dxpops/internal/remote/s3"
)

// ContainerFactory opens a configured container, optionally narrowed to a
// prefix.
type ContainerFactory func(ctx context.Context, ct config.ContainerConfig, prefix string) (remote.Container, error)

// DefaultContainers opens Azure containers through their SAS URL and S3
// buckets through the AWS SDK.
func DefaultContainers(logger *slog.Logger) ContainerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, ct config.ContainerConfig, prefix string) (remote.Container, error) {
		prefix = joinPrefix(ct.Prefix, prefix)
		switch ct.BackendName() {
		case config.BackendAzure:
			if ct.SASURL == "" {
				return nil, fmt.Errorf("container %s has no sas_url", ct.Name)
			}
			return azure.New(ct.SASURL, azure.Options{Prefix: prefix}, logger)
		case config.BackendS3:
			return s3.New(ctx, s3.Options{
				Bucket:          ct.Bucket,
				Prefix:          prefix,
				Region:          ct.Region,
				Endpoint:        ct.Endpoint,
				AccessKeyID:     ct.AccessKeyID,
				SecretAccessKey: ct.SecretAccessKey,
			}, logger)
		default:
			return nil, fmt.Errorf("container %s: unknown backend %q", ct.Name, ct.Backend)
		}
	}
}

// joinPrefix nests a request prefix under the container's configured one.
func joinPrefix(base, extra string) string {
	base = strings.Trim(base, "/")
	extra = strings.TrimLeft(extra, "/")
	switch {
	case base == "":
		return extra
	case extra == "":
		return base + "/"
	}
	joined := path.Join(base, extra)
	if strings.HasSuffix(extra, "/") {
		joined += "/"
	}
	return joined
}
