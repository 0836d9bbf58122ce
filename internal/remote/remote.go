// Package remote defines how dxpops sees a cloud container: a paginated
// listing of objects and a way to stream any one of them.
package remote

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Object describes one remote blob as reported by the listing. Objects are
// never mutated after they are returned from a Lister.
type Object struct {
	Name         string     `json:"name"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

// Page is one response of a paginated listing. An empty NextToken marks the
// final page.
type Page struct {
	Objects   []Object
	NextToken string
}

// Lister returns one page of objects for the given continuation token. The
// empty token requests the first page.
type Lister interface {
	ListPage(ctx context.Context, token string) (Page, error)
}

// Opener streams the content of a single object.
type Opener interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// Container is a Lister that can also stream its objects.
type Container interface {
	Lister
	Opener
}

// ListAll pages through l until the service reports no continuation token.
// Pages are appended in the order they arrive; a failure on any page aborts
// the listing and no partial result is returned.
func ListAll(ctx context.Context, l Lister) ([]Object, error) {
	var (
		all   []Object
		token string
		seen  = make(map[string]struct{})
	)

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, &ListError{Page: page, Err: err}
		}

		p, err := l.ListPage(ctx, token)
		if err != nil {
			return nil, &ListError{Page: page, Err: err}
		}
		all = append(all, p.Objects...)

		if p.NextToken == "" {
			return all, nil
		}
		if _, dup := seen[p.NextToken]; dup {
			return nil, &ListError{Page: page, Err: &TransportError{
				Op:  "list",
				Err: fmt.Errorf("continuation token %q repeated", p.NextToken),
			}}
		}
		seen[p.NextToken] = struct{}{}
		token = p.NextToken
	}
}

// ParseSize converts a size reported as text into bytes. Missing, malformed
// or negative values are treated as zero.
func ParseSize(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// TotalSize sums the sizes of objs.
func TotalSize(objs []Object) int64 {
	var total int64
	for _, o := range objs {
		total += o.Size
	}
	return total
}
