package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/peacprotocol/peac-sub013/pkg/breaker"
	"github.com/peacprotocol/peac-sub013/pkg/canonical"
	"github.com/peacprotocol/peac-sub013/pkg/engine"
	"github.com/peacprotocol/peac-sub013/pkg/health"
	"github.com/peacprotocol/peac-sub013/pkg/httpx"
	"github.com/peacprotocol/peac-sub013/pkg/problem"
	"github.com/peacprotocol/peac-sub013/pkg/receipt"
	"github.com/peacprotocol/peac-sub013/pkg/vcache"
)

const (
	maxBatch = 100
	// CrawlerVerdictHeader reports the provider verdict for the caller.
	CrawlerVerdictHeader = "X-PEAC-Crawler-Verdict"
)

func (s *Server) bodyLimit() int64 {
	if s.Config.Server.BodyLimit > 0 {
		return s.Config.Server.BodyLimit
	}
	return httpx.DefaultBodyLimit
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	var req engine.VerifyRequest
	if err := httpx.DecodeJSON(r, s.bodyLimit(), &req); err != nil {
		problem.WriteError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Receipt) == "" {
		req.Receipt = strings.TrimSpace(r.Header.Get(engine.ReceiptHeader))
	}
	if req.Receipt == "" {
		problem.Write(w, r, problem.New(problem.CodeBadRequest, "receipt is required"))
		return
	}
	res, err := s.Engine.Verify(r.Context(), req)
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}
	if !res.Valid {
		problem.WriteError(w, r, res.Failure)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type batchRequest struct {
	Receipts []string `json:"receipts"`
	Resource string   `json:"resource,omitempty"`
}

type batchResponse struct {
	Results []receipt.Result `json:"results"`
	Valid   int              `json:"valid"`
}

// verifyBatch reports every receipt in order. Rejections are per-item; only
// infrastructure failures fail the whole batch.
func (s *Server) verifyBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httpx.DecodeJSON(r, s.bodyLimit(), &req); err != nil {
		problem.WriteError(w, r, err)
		return
	}
	if len(req.Receipts) == 0 || len(req.Receipts) > maxBatch {
		problem.Write(w, r, problem.New(problem.CodeBadRequest, "receipts must hold between 1 and 100 entries"))
		return
	}
	out := batchResponse{Results: make([]receipt.Result, 0, len(req.Receipts))}
	for _, token := range req.Receipts {
		res, err := s.Engine.Verify(r.Context(), engine.VerifyRequest{Receipt: token, Resource: req.Resource})
		if err != nil {
			problem.WriteError(w, r, err)
			return
		}
		if res.Valid {
			out.Valid++
		}
		out.Results = append(out.Results, res)
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) enforce(w http.ResponseWriter, r *http.Request) {
	var req engine.EnforceRequest
	if err := httpx.DecodeJSON(r, s.bodyLimit(), &req); err != nil {
		problem.WriteError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Receipt) == "" {
		req.Receipt = strings.TrimSpace(r.Header.Get(engine.ReceiptHeader))
	}
	if verdict, ok := s.classify(r); ok {
		w.Header().Set(CrawlerVerdictHeader, string(verdict.Verdict))
		if verdict.Verdict == vcache.Blocked {
			problem.Write(w, r, problem.New(problem.CodeForbidden, "crawler blocked by "+verdict.Provider))
			return
		}
		if req.CrawlerType == "" && verdict.Verdict == vcache.Trusted {
			req.CrawlerType = "bot"
		}
	}

	res, err := s.Engine.Enforce(r.Context(), req)
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}
	for k, vs := range res.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if res.Problem != nil {
		problem.Write(w, r, *res.Problem)
		return
	}
	httpx.WriteJSON(w, res.StatusCode, res)
}

// classify asks the provider chain about the caller. Provider outages never
// block enforcement; the request simply goes unclassified.
func (s *Server) classify(r *http.Request) (vcache.Result, bool) {
	if s.Crawlers == nil || len(s.Crawlers.Backends) == 0 {
		return vcache.Result{}, false
	}
	res, err := s.Crawlers.Verify(r.Context(), vcache.Request{
		ClientIP:  httpx.ClientIP(r, false),
		UserAgent: r.UserAgent(),
		Namespace: "crawler",
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("warn: crawler verification: %v", err)
		}
		return vcache.Result{}, false
	}
	return res, true
}

type discoverResponse struct {
	*engine.Discovery
	KeyIDs []string `json:"key_ids,omitempty"`
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	origin := strings.TrimSpace(r.URL.Query().Get("origin"))
	if origin == "" {
		problem.Write(w, r, problem.New(problem.CodeBadRequest, "origin query parameter is required"))
		return
	}
	d, err := s.Engine.Discover(r.Context(), origin)
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}
	out := discoverResponse{Discovery: d}
	if d.Keys != nil {
		out.KeyIDs = d.Keys.KIDs()
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

type hashRequest struct {
	Sources []canonical.Source `json:"sources"`
}

type hashResponse struct {
	PolicyHash string             `json:"policy_hash"`
	Sources    []canonical.Source `json:"sources"`
}

func (s *Server) hash(w http.ResponseWriter, r *http.Request) {
	var req hashRequest
	if err := httpx.DecodeJSON(r, s.bodyLimit(), &req); err != nil {
		problem.WriteError(w, r, err)
		return
	}
	sorted, err := canonical.Sort(req.Sources)
	if err != nil {
		problem.Write(w, r, problem.New(problem.CodeBadRequest, err.Error()))
		return
	}
	sum, err := canonical.PolicyHash(sorted)
	if err != nil {
		problem.Write(w, r, problem.New(problem.CodeBadRequest, err.Error()))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, hashResponse{PolicyHash: sum, Sources: sorted})
}

type providersResponse struct {
	Providers []health.Status `json:"providers"`
	Breakers  []breaker.Stats `json:"breakers"`
}

func (s *Server) providersHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, providersResponse{
		Providers: s.Monitor.Snapshot(),
		Breakers:  s.Breakers.Snapshot(),
	})
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Cache.Stats())
}
