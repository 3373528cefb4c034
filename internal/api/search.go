package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-backfill/internal/backfill"
	"github.com/sells-group/supplier-backfill/internal/model"
	"github.com/sells-group/supplier-backfill/internal/store"
)

// SearchResponse is the body of /v1/search and /v1/categories/{category}.
type SearchResponse struct {
	Query           string                   `json:"query"`
	Location        string                   `json:"location,omitempty"`
	Page            int                      `json:"page"`
	PageSize        int                      `json:"page_size"`
	Total           int                      `json:"total"`
	Results         []model.ListingRecord    `json:"results"`
	Coverage        *backfill.CoverageReport `json:"coverage,omitempty"`
	BackfillStarted bool                     `json:"backfill_started,omitempty"`
	EmptyState      string                   `json:"empty_state,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pred := model.SearchPredicate{
		Query:    strings.TrimSpace(q.Get("q")),
		Location: strings.TrimSpace(q.Get("location")),
		Filters: model.Filters{
			VerifiedOnly: queryBool(q, "verified"),
			TopRated:     queryBool(q, "top_rated"),
			OpenNow:      queryBool(q, "open_now"),
		},
	}
	if pred.Query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	page, size, err := s.paging(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ensureCtx, cancel := context.WithTimeout(r.Context(), s.opts.SearchTimeout)
	report, err := s.deps.Coverage.EnsureCoverage(ensureCtx, pred, page*size)
	cancel()
	switch {
	case err == nil:
	case backfill.IsStoreError(err):
		s.storeUnavailable(w, err)
		return
	case eris.Is(err, backfill.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, "q is required")
		return
	default:
		// Timeouts and cancellation degrade to whatever is stored.
		s.log.Warn("search coverage incomplete", zap.String("query", pred.Query), zap.Error(err))
	}

	resp, err := s.list(r.Context(), pred, page, size)
	if err != nil {
		s.storeUnavailable(w, err)
		return
	}
	resp.Coverage = report
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCategory(w http.ResponseWriter, r *http.Request) {
	category, err := url.PathUnescape(chi.URLParam(r, "category"))
	category = strings.TrimSpace(category)
	if err != nil || category == "" {
		writeError(w, http.StatusBadRequest, "invalid category")
		return
	}
	q := r.URL.Query()
	page, size, err := s.paging(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pred := model.SearchPredicate{
		Query:    category,
		Location: strings.TrimSpace(q.Get("location")),
		Category: category,
	}
	started := s.deps.Coverage.EnsureCoverageAsync(pred, s.opts.FullCategoryTarget)

	resp, err := s.list(r.Context(), pred, page, size)
	if err != nil {
		s.storeUnavailable(w, err)
		return
	}
	resp.BackfillStarted = started
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) list(ctx context.Context, pred model.SearchPredicate, page, size int) (*SearchResponse, error) {
	total, err := s.deps.Listings.CountListings(ctx, pred)
	if err != nil {
		return nil, eris.Wrap(err, "api: count listings")
	}
	results, err := s.deps.Listings.FindListings(ctx, pred, store.ListOptions{Limit: size, Offset: (page - 1) * size})
	if err != nil {
		return nil, eris.Wrap(err, "api: find listings")
	}
	if results == nil {
		results = []model.ListingRecord{}
	}

	resp := &SearchResponse{
		Query:    pred.Query,
		Location: pred.Location,
		Page:     page,
		PageSize: size,
		Total:    total,
		Results:  results,
	}
	if len(results) == 0 {
		resp.EmptyState = emptyState(pred)
	}
	return resp, nil
}

func (s *Server) storeUnavailable(w http.ResponseWriter, err error) {
	s.log.Error("listing store unavailable", zap.Error(err))
	writeError(w, http.StatusServiceUnavailable, "listing store unavailable")
}

func (s *Server) paging(q url.Values) (page, size int, err error) {
	page, size = 1, s.opts.DefaultPageSize
	if v := q.Get("page"); v != "" {
		page, err = strconv.Atoi(v)
		if err != nil || page < 1 {
			return 0, 0, eris.New("page must be a positive integer")
		}
		if page > s.opts.MaxPage {
			return 0, 0, eris.Errorf("page must be at most %d", s.opts.MaxPage)
		}
	}
	if v := q.Get("page_size"); v != "" {
		size, err = strconv.Atoi(v)
		if err != nil || size < 1 {
			return 0, 0, eris.New("page_size must be a positive integer")
		}
	}
	return page, min(size, s.opts.MaxPageSize), nil
}

func emptyState(pred model.SearchPredicate) string {
	if pred.Location != "" {
		return fmt.Sprintf("No suppliers found for %q in %s yet. We are looking for more; check back shortly.", pred.Query, pred.Location)
	}
	return fmt.Sprintf("No suppliers found for %q yet. We are looking for more; check back shortly.", pred.Query)
}

func queryBool(q url.Values, key string) bool {
	b, _ := strconv.ParseBool(q.Get(key))
	return b
}
