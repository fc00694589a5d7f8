package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/marketwire/newspipe/internal/blobstore"
	"github.com/marketwire/newspipe/internal/marketdata"
	"github.com/marketwire/newspipe/internal/pipeline"
	"github.com/marketwire/newspipe/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ArticleEnqueueHandler accepts one article reference from the scheduler and
// queues it for enrichment. Replays of the same URL return the existing id
// with created=false; replays with the same Idempotency-Key never reach this
// handler at all.
func ArticleEnqueueHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ref pipeline.ArticleRef
		if err := json.NewDecoder(r.Body).Decode(&ref); err != nil {
			jsonError(w, "bad_request", "bad json", http.StatusBadRequest)
			return
		}
		if err := ref.Validate(); err != nil {
			jsonError(w, "bad_request", err.Error(), http.StatusBadRequest)
			return
		}
		if ref.Market != "" {
			if _, err := marketdata.ParseMarket(ref.Market); err != nil {
				jsonError(w, "bad_request", err.Error(), http.StatusBadRequest)
				return
			}
		}

		id, created, err := d.Pipeline.Enqueue(r.Context(), ref)
		if err != nil {
			jsonError(w, "internal", err.Error(), http.StatusInternalServerError)
			return
		}
		code := http.StatusOK
		if created {
			code = http.StatusAccepted
		}
		writeJSON(w, code, map[string]any{"id": id, "created": created})
	}
}

// NewsListHandler lists enriched articles. Only articles that passed the
// relevance filters are visible here; pending, discarded and failed rows
// never leave the admin surface.
func NewsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		status := q.Get("status")
		if status == "" {
			status = store.FilterKeep
		}
		switch status {
		case store.FilterKeep, store.FilterUseful, store.FilterUncertain:
		default:
			jsonError(w, "bad_request", "status must be keep, useful or uncertain", http.StatusBadRequest)
			return
		}

		market := q.Get("market")
		if market != "" {
			m, err := marketdata.ParseMarket(market)
			if err != nil {
				jsonError(w, "bad_request", err.Error(), http.StatusBadRequest)
				return
			}
			market = string(m)
		}

		since, _, err := queryTime(r, "since")
		if err != nil {
			jsonError(w, "bad_request", "since must be RFC 3339 or YYYY-MM-DD", http.StatusBadRequest)
			return
		}

		page := queryInt(r, "page", 1)
		if page < 1 {
			page = 1
		}
		size := queryInt(r, "page_size", defaultPageSize)
		if size < 1 {
			size = defaultPageSize
		}
		if size > maxPageSize {
			size = maxPageSize
		}

		// One extra row tells us whether another page exists.
		items, err := d.Store.ListArticles(r.Context(), store.ListArticlesParams{
			FilterStatus: status,
			Symbol:       strings.ToUpper(strings.TrimSpace(q.Get("symbol"))),
			Market:       market,
			Source:       q.Get("source"),
			Since:        since,
			Limit:        size + 1,
			Offset:       (page - 1) * size,
		})
		if err != nil {
			storeError(w, err)
			return
		}
		hasMore := len(items) > size
		if hasMore {
			items = items[:size]
		}
		if items == nil {
			items = []store.Article{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items":     items,
			"page":      page,
			"page_size": size,
			"has_more":  hasMore,
		})
	}
}

func NewsGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			jsonError(w, "bad_request", "invalid article id", http.StatusBadRequest)
			return
		}
		article, err := d.Store.GetArticle(r.Context(), id)
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, article)
	}
}

// NewsContentHandler returns the stored article document. A missing blob on
// an article that is still allowed to fetch schedules a backfill before the
// 404 goes out, so a retrying client eventually gets content.
func NewsContentHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			jsonError(w, "bad_request", "invalid article id", http.StatusBadRequest)
			return
		}
		article, err := d.Store.GetArticle(r.Context(), id)
		if err != nil {
			storeError(w, err)
			return
		}

		if article.ContentPath != "" && d.Blobs != nil {
			doc, err := d.Blobs.Load(article.ContentPath)
			if err == nil {
				writeJSON(w, http.StatusOK, doc)
				return
			}
			if !errors.Is(err, blobstore.ErrNotFound) {
				jsonError(w, "storage_error", err.Error(), http.StatusInternalServerError)
				return
			}
		}

		if fetchBackfillable(article) && d.Pipeline != nil {
			if err := d.Pipeline.Requeue(r.Context(), article.ID, article.Symbol, pipeline.StageFetch); err != nil {
				d.logger().Warn("content backfill enqueue failed",
					"article_id", article.ID, "error", err)
			} else {
				d.logger().Info("content backfill enqueued", "article_id", article.ID)
			}
		}
		jsonError(w, "not_found", "content not available", http.StatusNotFound)
	}
}

// fetchBackfillable reports whether a fetch task may be scheduled for an
// article whose blob is missing. Pending articles are still travelling the
// normal chain and discarded ones never fetch again.
func fetchBackfillable(a *store.Article) bool {
	switch a.FilterStatus {
	case store.FilterUseful, store.FilterUncertain, store.FilterKeep:
	default:
		return false
	}
	return a.ContentStatus == store.ContentPending || a.ContentStatus == store.ContentFailed
}
