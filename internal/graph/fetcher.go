package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/njoerd114/teamsmirror/internal/model"
)

const (
	// backoffFloor is the first 429 retry delay when the server sends no
	// Retry-After header.
	backoffFloor = 2 * time.Second

	// backoffCeiling caps the doubling 429 backoff so a long rate-limit
	// excursion has a bounded worst-case delay per attempt.
	backoffCeiling = 300 * time.Second
)

// Protocol violations that abort a fetch. Retries cannot fix any of these.
var (
	// ErrURLCycle means a pagination URL was returned twice in one fetch.
	// Without this guard a misbehaving server would loop the client forever.
	ErrURLCycle = errors.New("pagination URL visited twice")

	// ErrBothLinks means a page carried a nextLink and a deltaLink at once,
	// which the API contract forbids.
	ErrBothLinks = errors.New("page has both nextLink and deltaLink")
)

// Result is the outcome of walking one collection to exhaustion: every
// record seen, keyed by id (last occurrence wins), plus the delta link to
// persist for the next incremental run, if the server issued one.
type Result struct {
	Items     map[string]model.Record
	DeltaLink string
}

// page mirrors one Graph list response.
type page struct {
	Value     []json.RawMessage `json:"value"`
	Count     int               `json:"@odata.count"`
	NextLink  string            `json:"@odata.nextLink"`
	DeltaLink string            `json:"@odata.deltaLink"`
}

// FetchAll retrieves every record of kind from the collection at collectionURL,
// following nextLinks until the snapshot is exhausted. When deltaLink is
// non-empty the walk starts there instead, fetching only changes since the
// link was issued.
//
// 429 responses are retried on the same URL after the server-requested delay
// (Retry-After) or an exponential backoff. A 403 ends the walk early and
// returns whatever was accumulated as a success, so callers see a permission
// gap and an empty collection the same way. Any other non-200 status, a
// repeated URL, a page carrying both link kinds, or a record without an id
// aborts the fetch.
func (c *Client) FetchAll(ctx context.Context, collectionURL, deltaLink string, kind model.Kind) (Result, error) {
	res := Result{Items: make(map[string]model.Record)}

	next := collectionURL
	if deltaLink != "" {
		next = deltaLink
	}

	visited := make(map[string]bool)
	delay := backoffFloor

	for next != "" {
		if visited[next] {
			return Result{}, fmt.Errorf("%w: %s", ErrURLCycle, next)
		}

		resp, err := c.get(ctx, next)
		if err != nil {
			return Result{}, err
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return Result{}, fmt.Errorf("reading response from %q: %w", next, err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			// Handled below.

		case http.StatusTooManyRequests:
			wait, ok := retryAfter(resp.Header)
			if !ok {
				// No server hint — back off, doubling per consecutive 429.
				wait = delay
				delay = min(delay*2, backoffCeiling)
			}
			c.log.Warn("rate limited, retrying",
				"kind", kind.String(),
				"url", next,
				"wait", wait,
			)
			if err := c.sleep(ctx, wait); err != nil {
				return Result{}, err
			}
			continue // same URL, not marked visited

		case http.StatusForbidden:
			// No permission reads the same as nothing to fetch; callers
			// should not have to special-case it.
			c.log.Info("forbidden, treating collection as empty",
				"kind", kind.String(),
				"url", next,
			)
			return res, nil

		default:
			return Result{}, fmt.Errorf("fetching %s collection %q: unexpected status %d: %s",
				kind, next, resp.StatusCode, model.Truncate(body, 200))
		}

		visited[next] = true
		delay = backoffFloor // a success ends the current 429 excursion

		var p page
		if err := json.Unmarshal(body, &p); err != nil {
			return Result{}, fmt.Errorf("decoding %s page from %q: %w", kind, next, err)
		}
		if p.NextLink != "" && p.DeltaLink != "" {
			return Result{}, fmt.Errorf("%w: %s", ErrBothLinks, next)
		}

		for _, raw := range p.Value {
			rec, err := model.NewRecord(kind, raw)
			if err != nil {
				return Result{}, err
			}
			if _, dup := res.Items[rec.ID]; dup {
				// Same snapshot returned the record twice; keep the newest.
				c.log.Warn("duplicate record in one fetch, overwriting",
					"kind", kind.String(),
					"id", rec.ID,
				)
			}
			res.Items[rec.ID] = rec
		}

		if p.DeltaLink != "" {
			res.DeltaLink = p.DeltaLink
		}
		next = p.NextLink
	}

	return res, nil
}

// retryAfter returns the wait requested by a Retry-After header. ok is false
// when the header is absent or unparsable. Only the delta-seconds form is
// produced by the Graph throttling layer.
func retryAfter(h http.Header) (time.Duration, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
