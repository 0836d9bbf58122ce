// Package remotetest provides an in-memory remote.Container for tests.
package remotetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/BadgerOps/dxpops/internal/remote"
)

// Container is an in-memory container. Objects are listed in insertion
// order, PageSize at a time.
type Container struct {
	PageSize int

	mu       sync.Mutex
	names    []string
	data     map[string][]byte
	openErrs map[string][]error
	listErrs map[int]error
	opens    map[string]int
	listed   int
}

// New returns an empty container paging at pageSize objects.
func New(pageSize int) *Container {
	if pageSize <= 0 {
		pageSize = 5000
	}
	return &Container{
		PageSize: pageSize,
		data:     make(map[string][]byte),
		openErrs: make(map[string][]error),
		listErrs: make(map[int]error),
		opens:    make(map[string]int),
	}
}

// Put adds or replaces an object.
func (c *Container) Put(name string, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[name]; !ok {
		c.names = append(c.names, name)
	}
	c.data[name] = content
}

// FailOpen queues errors returned by successive Open calls for name. Once
// the queue drains, Open succeeds.
func (c *Container) FailOpen(name string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openErrs[name] = append(c.openErrs[name], errs...)
}

// FailPage makes the listing of the given 1-based page return err.
func (c *Container) FailPage(page int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listErrs[page] = err
}

// Opens reports how many times Open was called for name.
func (c *Container) Opens(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens[name]
}

// PagesListed reports how many ListPage calls succeeded.
func (c *Container) PagesListed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listed
}

// Names returns the stored object names sorted.
func (c *Container) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.names...)
	sort.Strings(out)
	return out
}

func (c *Container) ListPage(ctx context.Context, token string) (remote.Page, error) {
	if err := ctx.Err(); err != nil {
		return remote.Page{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	start := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 || n > len(c.names) {
			return remote.Page{}, fmt.Errorf("bad continuation token %q", token)
		}
		start = n
	}
	pageNum := start/c.PageSize + 1
	if err, ok := c.listErrs[pageNum]; ok {
		return remote.Page{}, err
	}

	end := start + c.PageSize
	if end > len(c.names) {
		end = len(c.names)
	}
	page := remote.Page{Objects: make([]remote.Object, 0, end-start)}
	for _, name := range c.names[start:end] {
		page.Objects = append(page.Objects, remote.Object{Name: name, Size: int64(len(c.data[name]))})
	}
	if end < len(c.names) {
		page.NextToken = strconv.Itoa(end)
	}
	c.listed++
	return page, nil
}

func (c *Container) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens[name]++

	if q := c.openErrs[name]; len(q) > 0 {
		err := q[0]
		c.openErrs[name] = q[1:]
		return nil, err
	}
	content, ok := c.data[name]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", name, remote.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}
