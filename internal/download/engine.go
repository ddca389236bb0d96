// Storetone - Background Music Management for Retail Locations
// Copyright 2026 Storetone Ltd.
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/storetone/storetone

// Package download fetches single audio assets into the content cache with
// byte-level progress reporting and an optional bandwidth ceiling for
// constrained retail network links.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/storetone/storetone/internal/logging"
	"github.com/storetone/storetone/internal/metrics"
)

// chunkSize is the read granularity; progress fires at most once per chunk.
const chunkSize = 32 * 1024

// Error is a failed asset download. StatusCode is zero for transport
// failures.
type Error struct {
	AssetID    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: unexpected status %d", e.AssetID, e.StatusCode)
	}
	return fmt.Sprintf("download %s: %v", e.AssetID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ProgressFunc receives best-effort progress events. percent is derived from
// Content-Length and omitted (no calls) when the server does not report one.
type ProgressFunc func(assetID string, percent float64)

// Saver spools a download to its final location as bytes arrive and returns
// the content hash. Satisfied by *cache.Cache.
type Saver interface {
	SaveFrom(assetID string, r io.Reader) (string, error)
}

// Engine downloads one asset at a time. The caller (the sync runner) is
// responsible for sequencing; Engine itself holds no queue.
type Engine struct {
	httpClient *http.Client
	saver      Saver
	limiter    *rate.Limiter
	onProgress ProgressFunc
}

// NewEngine creates an engine writing into the given saver.
// bytesPerSec caps download throughput; zero disables the limit.
func NewEngine(saver Saver, bytesPerSec int, onProgress ProgressFunc) *Engine {
	var limiter *rate.Limiter
	if bytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), chunkSize)
	}
	return &Engine{
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		saver:      saver,
		limiter:    limiter,
		onProgress: onProgress,
	}
}

// DownloadAsset streams sourceUrl chunk by chunk into the saver, which
// hashes and finalizes the asset atomically. Returns the content hash. On
// any failure nothing is written at the asset's cache path.
func (e *Engine) DownloadAsset(ctx context.Context, assetID, sourceURL string) (string, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", &Error{AssetID: assetID, Err: err}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", &Error{AssetID: assetID, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &Error{AssetID: assetID, StatusCode: resp.StatusCode}
	}

	body := &meteredReader{
		ctx:     ctx,
		engine:  e,
		assetID: assetID,
		body:    resp.Body,
		total:   resp.ContentLength,
	}
	hash, err := e.saver.SaveFrom(assetID, body)
	if err != nil {
		return "", &Error{AssetID: assetID, Err: err}
	}

	metrics.DownloadBytes.Add(float64(body.read))
	metrics.DownloadDuration.Observe(time.Since(start).Seconds())
	logging.Debug().
		Str("asset", assetID).
		Int64("bytes", body.read).
		Dur("took", time.Since(start)).
		Msg("asset downloaded")
	return hash, nil
}

// meteredReader paces reads under the bandwidth limiter and emits progress
// when the server reported a length. The saver pulls from it, so chunks
// land on disk as they arrive instead of accumulating in memory.
type meteredReader struct {
	ctx     context.Context
	engine  *Engine
	assetID string
	body    io.Reader
	total   int64
	read    int64
}

func (r *meteredReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) > chunkSize {
		p = p[:chunkSize]
	}
	n, err := r.body.Read(p)
	if n > 0 {
		if r.engine.limiter != nil {
			if werr := r.engine.limiter.WaitN(r.ctx, n); werr != nil {
				return n, werr
			}
		}
		r.read += int64(n)
		if r.engine.onProgress != nil && r.total > 0 {
			r.engine.onProgress(r.assetID, float64(r.read)/float64(r.total)*100)
		}
	}
	return n, err
}
