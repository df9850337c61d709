package crawler

import (
	"context"
	"errors"
	"fmt"

	"homecrawler/internal/backend"
	"homecrawler/internal/frontier"
	"homecrawler/internal/ledger"
	"homecrawler/internal/listing"
	"homecrawler/internal/output"
	"homecrawler/internal/query"
	"homecrawler/pkg/types"
)

// processZpid extracts one search result. It reports whether extraction failed; failures are
// rescheduled as forefront detail items and never returned.
func (e *Engine) processZpid(ctx context.Context, t *task, r types.SearchResult) bool {
	if e.ledger.IsOverCap(0) || e.rejected.Load() {
		return false
	}
	if r.Relaxed {
		if err := e.enqueueDetail(ctx, r); err != nil {
			e.logger.Warn("relaxed result not scheduled", "id", r.ID, "error", err)
		}
		return false
	}

	id, ok := listing.Normalize(r.ID)
	if !ok {
		e.logger.Debug("skipping invalid listing id", "id", r.ID)
		return false
	}
	res, ok := e.ledger.Reserve(id)
	if !ok {
		e.logger.Debug("listing already extracted or claimed", "id", id)
		return false
	}
	defer res.Release()

	err := e.extract(ctx, t, res)
	if err == nil {
		return false
	}
	if ctx.Err() != nil || e.rejected.Load() {
		return false
	}
	e.logger.Debug("extraction failed, scheduling detail page", "id", id, "error", err)
	t.session.MarkBad()
	e.anyErrors.Store(true)
	if qerr := e.enqueueDetail(ctx, types.SearchResult{ID: id.String(), DetailURL: r.DetailURL}); qerr != nil {
		e.logger.Warn("detail retry not scheduled", "id", id, "error", qerr)
	}
	return true
}

func (e *Engine) extract(ctx context.Context, t *task, res *ledger.Reservation) error {
	if !t.session.IsUsable() {
		return fmt.Errorf("%w: session %s is not usable", ErrRetire, t.session.ID())
	}
	cred, ok := e.gate.Get()
	if !ok {
		return backend.ErrNoCredential
	}
	if err := e.throttle.Wait(ctx, t.session.ID()); err != nil {
		return err
	}
	raw, err := e.client.FetchItemDetail(ctx, t.target(), cred, res.ID())
	if err != nil {
		var status *backend.StatusError
		if errors.As(err, &status) && status.Blocked() {
			e.credentialRefused(status.Status)
		}
		return err
	}
	e.gate.Confirm()
	return e.emit(ctx, res, raw)
}

// credentialRefused counts a refused detail query and stops the crawl once the refusals in a row
// reach crawl.max_credential_failures.
func (e *Engine) credentialRefused(status int) {
	failures := e.gate.Invalidate()
	e.logger.Debug("detail query refused", "status", status, "failures", failures)
	limit := int64(e.cfg.Crawl.MaxCredentialFailures)
	if limit <= 0 || failures < limit {
		return
	}
	if e.rejected.CompareAndSwap(false, true) {
		e.logger.Error("detail query credential rejected, stopping the crawl", "failures", failures)
		e.signal()
	}
}

// emit maps the raw payload and pushes it when the ledger accepts the id. A record reaches the
// sink only if this call committed the id.
func (e *Engine) emit(ctx context.Context, res *ledger.Reservation, raw types.Record) error {
	record, reason := e.mapper.Map(ctx, raw)
	if reason != output.Accepted {
		e.logger.Debug("record filtered", "id", res.ID(), "reason", reason)
		return nil
	}
	if !res.Commit() {
		return nil
	}
	if err := e.sink.Push(ctx, res.ID().String(), record); err != nil {
		return fmt.Errorf("push %s: %w", res.ID(), err)
	}
	return nil
}

// enqueueDetail schedules the detail page of a result ahead of other work.
func (e *Engine) enqueueDetail(ctx context.Context, r types.SearchResult) error {
	if e.ledger.IsOverCap(0) {
		return nil
	}
	ref := r.DetailURL
	if ref == "" {
		if r.ID == "" {
			return nil
		}
		ref = query.DetailURL(r.ID)
	}
	target := query.ResolveURL(ref)
	item := frontier.Item{
		URL:       target,
		Label:     frontier.LabelDetail,
		UniqueKey: target,
	}
	if id, ok := listing.Normalize(r.ID); ok {
		item.ID = id.String()
		item.UniqueKey = item.ID
	}
	_, err := e.enqueue(ctx, item, true)
	return err
}
