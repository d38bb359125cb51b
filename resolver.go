package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// SourceTag records which kind of source produced a result.
type SourceTag string

const (
	SourcePrimary  SourceTag = "primary"
	SourceFallback SourceTag = "fallback"
	SourceSnapshot SourceTag = "snapshot"
	SourceError    SourceTag = "error"
)

// Source is one entry in a Resolver's priority list.
type Source[T any] struct {
	// Fetch produces the data. A returned error, a nil result, a queued
	// write and a panic all count as a failed attempt.
	Fetch func(ctx context.Context) (*FetchResult[T], error)

	// Probe is an optional liveness check run before resolution. A failed
	// probe moves the source behind the healthy ones but never removes it.
	Probe func(ctx context.Context) error

	Name string
	Tag  SourceTag

	// Timeout bounds Fetch. Zero means only the caller's context applies.
	Timeout time.Duration
}

// SourceResult is the outcome of one resolution.
type SourceResult[T any] struct {
	Data T

	// Err is set when the winning source returned best-effort data together
	// with an error, e.g. a stale cache entry.
	Err *NormalizedError

	Name         string
	Source       SourceTag
	ResponseTime time.Duration

	Stale  bool
	Cached bool
}

// ResponseTimeMillis returns ResponseTime in milliseconds.
func (r *SourceResult[T]) ResponseTimeMillis() int64 {
	return r.ResponseTime.Milliseconds()
}

// Resolver tries its sources in priority order and returns the first
// success. Sources are tried one at a time, so the total time is bounded by
// the sum of the source timeouts; callers needing a hard deadline pass a
// context with one.
type Resolver[T any] struct {
	logger  *slog.Logger
	sink    Sink
	sources []Source[T]
	probeTO time.Duration
}

// NewResolver creates a resolver over sources, highest priority first.
//
// Example:
//
//	r := fallback.NewResolver([]fallback.Source[Catalog]{
//	    fallback.ExecutorSource[Catalog]("live", fallback.SourcePrimary, exec, liveDesc),
//	    fallback.ExecutorSource[Catalog]("mirror", fallback.SourceFallback, exec, mirrorDesc),
//	    fallback.SnapshotSource[Catalog]("embedded", snapshots, "catalog.json"),
//	})
func NewResolver[T any](sources []Source[T], opts ...ResolverOption) *Resolver[T] {
	config := DefaultResolverConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Sink == nil {
		config.Sink = NopSink{}
	}

	return &Resolver[T]{
		logger:  config.Logger,
		sink:    config.Sink,
		sources: append([]Source[T](nil), sources...),
		probeTO: config.ProbeTimeout,
	}
}

// Resolve returns the first successful source's data. If every source
// fails the error has CodeAllSourcesExhausted and joins the individual
// failures.
func (r *Resolver[T]) Resolve(ctx context.Context) (*SourceResult[T], error) {
	order := r.order(ctx)

	var failures []error
	for i, src := range order {
		if err := ctx.Err(); err != nil {
			return nil, canceledError(err)
		}

		start := time.Now()
		res, err := r.try(ctx, src)
		elapsed := time.Since(start)
		if err != nil {
			r.logger.Debug("source failed, trying next",
				"source", src.Name,
				"tag", src.Tag,
				"error", err)
			failures = append(failures, fmt.Errorf("%s: %w", src.Name, err))
			continue
		}

		out := &SourceResult[T]{
			Data:         res.Data,
			Err:          res.Error,
			Name:         src.Name,
			Source:       src.Tag,
			ResponseTime: elapsed,
			Stale:        res.Stale || src.Tag == SourceSnapshot,
			Cached:       res.Cached,
		}
		if src.Tag != SourcePrimary || i > 0 {
			r.logger.Info("fallback source used",
				"source", src.Name,
				"tag", src.Tag,
				"failed_sources", len(failures))
			safeRecord(r.sink, EventFallbackSourceUsed, Properties{
				"source":           src.Name,
				"tag":              string(src.Tag),
				"failed_sources":   len(failures),
				"response_time_ms": elapsed.Milliseconds(),
			})
		}
		return out, nil
	}

	r.logger.Warn("all sources exhausted", "sources", len(order))
	safeRecord(r.sink, EventSourcesExhausted, Properties{"sources": len(order)})

	return nil, &NormalizedError{
		Status:  http.StatusServiceUnavailable,
		Code:    CodeAllSourcesExhausted,
		Message: exhaustedMessage(order),
		Err:     errors.Join(failures...),
	}
}

// try runs one source, converting panics and data-less results into errors.
func (r *Resolver[T]) try(ctx context.Context, src Source[T]) (res *FetchResult[T], err error) {
	if src.Fetch == nil {
		return nil, errors.New("source has no fetch function")
	}

	if src.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, src.Timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("source panicked", "source", src.Name, "panic", p)
			res, err = nil, fmt.Errorf("source panicked: %v", p)
		}
	}()

	res, err = src.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("source returned no result")
	}
	if res.Queued {
		if res.Error != nil {
			return nil, res.Error
		}
		return nil, errors.New("write queued for replay")
	}
	return res, nil
}

// order runs all probes concurrently and moves sources whose probe failed
// behind the healthy ones, keeping relative priority within each group.
func (r *Resolver[T]) order(ctx context.Context) []Source[T] {
	healthy := make([]bool, len(r.sources))
	for i := range healthy {
		healthy[i] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range r.sources {
		if src.Probe == nil {
			continue
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, r.probeTO)
			defer cancel()
			if err := safeProbe(pctx, src.Probe); err != nil {
				r.logger.Debug("source probe failed, demoting", "source", src.Name, "error", err)
				healthy[i] = false
			}
			return nil
		})
	}
	_ = g.Wait()

	idx := make([]int, len(r.sources))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return healthy[idx[a]] && !healthy[idx[b]]
	})

	out := make([]Source[T], len(idx))
	for i, j := range idx {
		out[i] = r.sources[j]
	}
	return out
}

func safeProbe(ctx context.Context, probe func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("probe panicked: %v", p)
		}
	}()
	return probe(ctx)
}

func exhaustedMessage[T any](sources []Source[T]) string {
	if len(sources) == 0 {
		return "no sources configured"
	}
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.Name
	}
	return "all sources failed: " + strings.Join(names, ", ")
}

// FuncSource wraps a plain function as a source.
func FuncSource[T any](name string, tag SourceTag, fn func(ctx context.Context) (T, error)) Source[T] {
	return Source[T]{
		Name: name,
		Tag:  tag,
		Fetch: func(ctx context.Context) (*FetchResult[T], error) {
			data, err := fn(ctx)
			if err != nil {
				return nil, err
			}
			return &FetchResult[T]{Data: data}, nil
		},
	}
}

// ExecutorSource fetches desc through e and decodes the payload into T.
// Stale data served by the executor counts as a success.
func ExecutorSource[T any](name string, tag SourceTag, e *Executor, desc RequestDescriptor) Source[T] {
	return Source[T]{
		Name: name,
		Tag:  tag,
		Fetch: func(ctx context.Context) (*FetchResult[T], error) {
			return Fetch[T](ctx, e, desc)
		},
	}
}

// SnapshotSource reads a JSON document from fsys, for example an embed.FS
// shipped with the binary. Its results are always marked stale.
func SnapshotSource[T any](name string, fsys fs.FS, path string) Source[T] {
	return Source[T]{
		Name: name,
		Tag:  SourceSnapshot,
		Fetch: func(ctx context.Context) (*FetchResult[T], error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			raw, err := fs.ReadFile(fsys, path)
			if err != nil {
				return nil, fmt.Errorf("read snapshot %s: %w", path, err)
			}
			if !json.Valid(raw) {
				return nil, fmt.Errorf("snapshot %s is not valid JSON", path)
			}
			return Decode[T](&FetchResult[json.RawMessage]{Data: raw, Stale: true, Cached: true})
		},
	}
}
