// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package search writes materialized documents to the search index in
// bulk, with per-document ordering guarantees.
package search

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	elastic "gopkg.in/olivere/elastic.v5"
)

var (
	// Error wraps search index failures.
	Error = errs.Class("index")

	mon = monkit.Package()
)

// docType is the mapping type bulk requests are written under.
const docType = "_doc"

// Action is one document write: an upsert of Source under ID, or a
// delete of ID when Delete is set.
type Action struct {
	ID     string
	Index  string
	Delete bool
	Source map[string]interface{}
}

// Config holds the search cluster connection settings.
type Config struct {
	URL      string `help:"search cluster url" default:"http://localhost:9200"`
	User     string `help:"search cluster basic auth user" default:""`
	Password string `help:"search cluster basic auth password" default:""`
}

// Client talks to the search cluster.
type Client struct {
	log *zap.Logger
	es  *elastic.Client

	indexed int64
}

// NewClient connects to the search cluster.
func NewClient(ctx context.Context, log *zap.Logger, config Config) (*Client, error) {
	options := []elastic.ClientOptionFunc{
		elastic.SetURL(config.URL),
		elastic.SetSniff(false),
	}
	if config.User != "" {
		options = append(options, elastic.SetBasicAuth(config.User, config.Password))
	}
	es, err := elastic.NewClient(options...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Client{log: log, es: es}, nil
}

// Close stops the client's background processes.
func (c *Client) Close() error {
	c.es.Stop()
	return nil
}

// Indexed returns the number of successfully applied actions since the
// client was created.
func (c *Client) Indexed() int64 { return atomic.LoadInt64(&c.indexed) }

// EnsureIndex creates the index if it does not exist yet.
func (c *Client) EnsureIndex(ctx context.Context, index string) (err error) {
	defer mon.Task()(&ctx)(&err)

	exists, err := c.es.IndexExists(index).Do(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	if exists {
		return nil
	}
	c.log.Debug("Creating index", zap.String("index", index))
	_, err = c.es.CreateIndex(index).Do(ctx)
	return Error.Wrap(err)
}

// DropIndex deletes the index, tolerating its absence.
func (c *Client) DropIndex(ctx context.Context, index string) (err error) {
	defer mon.Task()(&ctx)(&err)

	exists, err := c.es.IndexExists(index).Do(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	if !exists {
		return nil
	}
	c.log.Debug("Dropping index", zap.String("index", index))
	_, err = c.es.DeleteIndex(index).Do(ctx)
	return Error.Wrap(err)
}

// Purge removes every document from the index without dropping it.
func (c *Client) Purge(ctx context.Context, index string) (err error) {
	defer mon.Task()(&ctx)(&err)

	c.log.Debug("Purging index", zap.String("index", index))
	_, err = c.es.DeleteByQuery(index).Query(elastic.NewMatchAllQuery()).Do(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	return c.Refresh(ctx, index)
}

// Refresh makes recent writes visible to search.
func (c *Client) Refresh(ctx context.Context, index string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = c.es.Refresh(index).Do(ctx)
	return Error.Wrap(err)
}

// ItemResult is the outcome of one action in a bulk request.
type ItemResult struct {
	ID     string
	Action string
	Status int
	Failed bool
	Reason string
}

// Bulk applies the actions in one bulk request. Actions are grouped so
// that all writes for a given document id stay in their original
// relative order; an empty action list is a no-op. One result per
// submitted action comes back in submission order, so a caller can
// resubmit just the failed items; the error is non-nil when any item
// failed or the request itself did.
func (c *Client) Bulk(ctx context.Context, actions []Action) (_ []ItemResult, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(actions) == 0 {
		return nil, nil
	}

	bulk := c.es.Bulk()
	for _, action := range Order(actions) {
		if action.Delete {
			bulk.Add(elastic.NewBulkDeleteRequest().
				Index(action.Index).Type(docType).Id(action.ID))
		} else {
			bulk.Add(elastic.NewBulkIndexRequest().
				Index(action.Index).Type(docType).Id(action.ID).Doc(action.Source))
		}
	}

	response, err := bulk.Do(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	results := make([]ItemResult, 0, len(actions))
	failed := 0
	for _, item := range response.Items {
		for op, detail := range item {
			result := ItemResult{ID: detail.Id, Action: op, Status: detail.Status}
			// deleting an already-absent document is not a failure
			if detail.Error != nil && !(op == "delete" && detail.Status == 404) {
				result.Failed = true
				result.Reason = detail.Error.Reason
				failed++
				c.log.Error("bulk item failed",
					zap.String("id", detail.Id),
					zap.String("index", detail.Index),
					zap.String("type", detail.Error.Type),
					zap.String("reason", detail.Error.Reason))
			}
			results = append(results, result)
		}
	}
	atomic.AddInt64(&c.indexed, int64(len(actions)-failed))
	if failed > 0 {
		return results, Error.New("%d of %d bulk actions failed", failed, len(actions))
	}
	return results, nil
}

// FailedSubset picks the actions whose document id had a failed item
// result, preserving their input order. This is what a caller
// resubmits after a partially failed bulk request.
func FailedSubset(actions []Action, results []ItemResult) []Action {
	failed := make(map[string]bool, len(results))
	for _, result := range results {
		if result.Failed {
			failed[result.ID] = true
		}
	}
	if len(failed) == 0 {
		return nil
	}
	var out []Action
	for _, action := range actions {
		if failed[action.ID] {
			out = append(out, action)
		}
	}
	return out
}

// Order arranges actions for a bulk request: all actions sharing a
// document id are grouped together keeping their original relative
// order, and groups are emitted in order of each id's last occurrence.
// The last write for any id therefore lands after every earlier write
// for that id.
func Order(actions []Action) []Action {
	groups := make(map[string][]Action, len(actions))
	lastSeen := make(map[string]int, len(actions))
	for i, action := range actions {
		groups[action.ID] = append(groups[action.ID], action)
		lastSeen[action.ID] = i
	}

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return lastSeen[ids[i]] < lastSeen[ids[j]] })

	out := make([]Action, 0, len(actions))
	for _, id := range ids {
		out = append(out, groups[id]...)
	}
	return out
}
