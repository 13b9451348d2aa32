package api

import (
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"ohlcv-systemv1/internal/model"
	"ohlcv-systemv1/internal/scanner"
)

// maxOpenTime stands in for "no upper bound" on range queries.
const maxOpenTime = int64(math.MaxInt64)

// handleRecent returns the newest finalized bars in ascending order,
// optionally with the in-progress bar attached. A warm cache tail that
// covers the whole limit answers without touching the store.
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request, reqID string) {
	symbol, interval, _, ok := s.seriesParams(w, r, reqID)
	if !ok {
		return
	}
	limit, ok := s.limitParam(w, r, reqID)
	if !ok {
		return
	}
	var candles []model.Candle
	if s.deps.Tail != nil {
		if tail, err := s.deps.Tail(r.Context(), symbol, interval, limit); err == nil && len(tail) == limit {
			candles = tail
		}
	}
	if candles == nil {
		var err error
		candles, err = s.deps.Store.GetBefore(r.Context(), symbol, interval, maxOpenTime, limit)
		if err != nil {
			s.storeError(w, err, reqID)
			return
		}
	}
	if candles == nil {
		candles = []model.Candle{}
	}
	snap := model.Snapshot{Symbol: symbol, Interval: interval, Candles: candles}
	if r.URL.Query().Get("include_open") == "true" && s.deps.Partial != nil {
		snap.Partial = s.deps.Partial(symbol, interval)
	}
	writeJSON(w, http.StatusOK, snap)
}

type metaResponse struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	model.SeriesMeta
	CompletenessRatio *float64 `json:"completeness_ratio,omitempty"`
	LargestGapBars    *int64   `json:"largest_gap_bars,omitempty"`
}

// handleMeta reports the stored extent of a series. With
// sample_for_gap=true it adds a completeness ratio computed from the
// row count against the span, plus the widest unhealed segment.
func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request, reqID string) {
	symbol, interval, step, ok := s.seriesParams(w, r, reqID)
	if !ok {
		return
	}
	meta, err := s.deps.Store.Meta(r.Context(), symbol, interval)
	if err != nil {
		s.storeError(w, err, reqID)
		return
	}
	resp := metaResponse{Symbol: symbol, Interval: interval, SeriesMeta: meta}
	if r.URL.Query().Get("sample_for_gap") == "true" && meta.Count > 0 {
		span := (meta.LatestOpenTime-meta.EarliestOpenTime)/step + 1
		ratio := float64(meta.Count) / float64(span)
		resp.CompletenessRatio = &ratio
		segs, err := s.deps.Gaps.ListByStates(r.Context(), symbol, interval,
			[]model.GapState{model.GapOpen, model.GapInProgress}, 0)
		if err != nil {
			s.storeError(w, err, reqID)
			return
		}
		var widest int64
		for i := range segs {
			if segs[i].MissingBars > widest {
				widest = segs[i].MissingBars
			}
		}
		resp.LargestGapBars = &widest
	}
	writeJSON(w, http.StatusOK, resp)
}

type historyResponse struct {
	Symbol   string         `json:"symbol"`
	Interval string         `json:"interval"`
	Candles  []model.Candle `json:"candles"`
	// Cursors for the next page in either direction. Pass NextBefore as
	// before_open_time to walk older, NextAfter as after_open_time to
	// walk newer. Zero when the page is empty.
	NextBefore int64 `json:"next_before_open_time,omitempty"`
	NextAfter  int64 `json:"next_after_open_time,omitempty"`
}

// handleHistory pages through finalized bars by open-time cursor.
// before_open_time and after_open_time are exclusive bounds and cannot
// be combined; with neither the newest page is returned.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, reqID string) {
	symbol, interval, _, ok := s.seriesParams(w, r, reqID)
	if !ok {
		return
	}
	limit, ok := s.limitParam(w, r, reqID)
	if !ok {
		return
	}
	before, hasBefore, ok := s.optInt64(w, r, "before_open_time", reqID)
	if !ok {
		return
	}
	after, hasAfter, ok := s.optInt64(w, r, "after_open_time", reqID)
	if !ok {
		return
	}
	if hasBefore && hasAfter {
		s.writeError(w, http.StatusBadRequest, "before_open_time and after_open_time are mutually exclusive", reqID)
		return
	}

	var (
		candles []model.Candle
		err     error
	)
	switch {
	case hasAfter:
		candles, err = s.deps.Store.GetRange(r.Context(), symbol, interval, after+1, maxOpenTime, limit)
	case hasBefore:
		candles, err = s.deps.Store.GetBefore(r.Context(), symbol, interval, before, limit)
	default:
		candles, err = s.deps.Store.GetBefore(r.Context(), symbol, interval, maxOpenTime, limit)
	}
	if err != nil {
		s.storeError(w, err, reqID)
		return
	}
	if candles == nil {
		candles = []model.Candle{}
	}
	resp := historyResponse{Symbol: symbol, Interval: interval, Candles: candles}
	if len(candles) > 0 {
		resp.NextBefore = candles[0].OpenTime
		resp.NextAfter = candles[len(candles)-1].OpenTime
	}
	writeJSON(w, http.StatusOK, resp)
}

type deltaResponse struct {
	Symbol    string               `json:"symbol"`
	Interval  string               `json:"interval"`
	Candles   []model.Candle       `json:"candles"`
	Repairs   []model.RepairRecord `json:"repairs"`
	Truncated bool                 `json:"truncated"`
}

// handleDelta serves the reconnect catch-up: every finalized bar at or
// after the client's last known open plus any repairs the client may
// have missed. The window starts one bar early so a repair of the
// client's own last bar is never lost to clock skew.
func (s *Server) handleDelta(w http.ResponseWriter, r *http.Request, reqID string) {
	started := time.Now()
	symbol, interval, step, ok := s.seriesParams(w, r, reqID)
	if !ok {
		return
	}
	limit, ok := s.limitParam(w, r, reqID)
	if !ok {
		return
	}
	since, hasSince, ok := s.optInt64(w, r, "since", reqID)
	if !ok {
		return
	}
	if !hasSince {
		s.writeError(w, http.StatusBadRequest, "since is required", reqID)
		return
	}

	candles, err := s.deps.Store.GetRange(r.Context(), symbol, interval, since-step+1, maxOpenTime, limit)
	if err != nil {
		s.storeError(w, err, reqID)
		return
	}
	repairs, err := s.deps.Store.ListRepairs(r.Context(), symbol, interval,
		since-2*step, time.UnixMilli(since), limit)
	if err != nil {
		s.storeError(w, err, reqID)
		return
	}
	if candles == nil {
		candles = []model.Candle{}
	}
	if repairs == nil {
		repairs = []model.RepairRecord{}
	}
	truncated := len(candles) == limit

	s.deps.Prom.DeltaRequests.WithLabelValues(strconv.FormatBool(truncated)).Inc()
	s.deps.Prom.DeltaLatency.Observe(time.Since(started).Seconds())
	writeJSON(w, http.StatusOK, deltaResponse{
		Symbol:    symbol,
		Interval:  interval,
		Candles:   candles,
		Repairs:   repairs,
		Truncated: truncated,
	})
}

type gapsResponse struct {
	Symbol         string             `json:"symbol"`
	Interval       string             `json:"interval"`
	ActiveSegments int64              `json:"active_segments"`
	Segments       []model.GapSegment `json:"segments"`
}

// handleGapsStatus lists tracked gap segments, newest detection first.
// Merged segments are history, not status, and are excluded.
func (s *Server) handleGapsStatus(w http.ResponseWriter, r *http.Request, reqID string) {
	symbol, interval, _, ok := s.seriesParams(w, r, reqID)
	if !ok {
		return
	}
	limit, ok := s.limitParam(w, r, reqID)
	if !ok {
		return
	}
	segs, err := s.deps.Gaps.ListByStates(r.Context(), symbol, interval,
		[]model.GapState{model.GapOpen, model.GapInProgress, model.GapRecovered}, limit)
	if err != nil {
		s.storeError(w, err, reqID)
		return
	}
	active, err := s.deps.Gaps.CountActive(r.Context(), symbol, interval)
	if err != nil {
		s.storeError(w, err, reqID)
		return
	}
	if segs == nil {
		segs = []model.GapSegment{}
	}
	writeJSON(w, http.StatusOK, gapsResponse{
		Symbol:         symbol,
		Interval:       interval,
		ActiveSegments: active,
		Segments:       segs,
	})
}

type runStatusResponse struct {
	model.BackfillRun
	Progress float64 `json:"progress"`
}

// handleBackfillStart creates a year-horizon run and hands it to the
// orchestrator. Only one run per series may be pending or running.
func (s *Server) handleBackfillStart(w http.ResponseWriter, r *http.Request, reqID string) {
	symbol, interval, step, ok := s.seriesParams(w, r, reqID)
	if !ok {
		return
	}
	if s.deps.Launch == nil {
		s.writeError(w, http.StatusServiceUnavailable, "backfill runner not configured", reqID)
		return
	}
	if !s.requireAdmin(w, r, reqID) {
		return
	}
	latest, err := s.deps.Runs.LatestRun(r.Context(), symbol, interval)
	if err != nil {
		s.storeError(w, err, reqID)
		return
	}
	if latest != nil && (latest.Status == model.RunPending || latest.Status == model.RunRunning) {
		s.writeError(w, http.StatusConflict,
			"run #"+strconv.FormatInt(latest.ID, 10)+" is already "+string(latest.Status), reqID)
		return
	}

	nowMS := s.now().UnixMilli()
	// The current bar is still forming; the run ends at the last closed one.
	to := model.AlignOpenTime(nowMS, step) - step
	from := model.AlignOpenTime(nowMS-s.cfg.BackfillHorizon.Milliseconds(), step)
	run := model.BackfillRun{
		Symbol:       symbol,
		Interval:     interval,
		FromOpenTime: from,
		ToOpenTime:   to,
		ExpectedBars: (to-from)/step + 1,
		Status:       model.RunPending,
		StartedAt:    s.now().UTC(),
	}
	id, err := s.deps.Runs.CreateRun(r.Context(), run)
	if err != nil {
		s.storeError(w, err, reqID)
		return
	}
	run.ID = id
	s.deps.Launch(run)
	log.Printf("[api] backfill run #%d requested for %s@%s [%d..%d] (%s)",
		id, symbol, interval, from, to, reqID)
	writeJSON(w, http.StatusAccepted, runStatusResponse{BackfillRun: run})
}

// handleBackfillStatus reports the latest run for the series.
func (s *Server) handleBackfillStatus(w http.ResponseWriter, r *http.Request, reqID string) {
	symbol, interval, _, ok := s.seriesParams(w, r, reqID)
	if !ok {
		return
	}
	latest, err := s.deps.Runs.LatestRun(r.Context(), symbol, interval)
	if err != nil {
		s.storeError(w, err, reqID)
		return
	}
	if latest == nil {
		s.writeError(w, http.StatusNotFound, "no backfill run recorded", reqID)
		return
	}
	writeJSON(w, http.StatusOK, runStatusResponse{BackfillRun: *latest, Progress: latest.Progress()})
}

type scanResponse struct {
	scanner.Report
	Completeness float64 `json:"completeness"`
}

// handleScan triggers one continuity sweep and returns the report
// inline. The sweep also emits gap events on the bus as usual.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request, reqID string) {
	if s.deps.Sweep == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scanner not configured", reqID)
		return
	}
	if !s.requireAdmin(w, r, reqID) {
		return
	}
	rep, err := s.deps.Sweep(r.Context())
	if err != nil {
		s.storeError(w, err, reqID)
		return
	}
	log.Printf("[api] scan requested: %d/%d bars present, %d segments (%s)",
		rep.PresentBars, rep.ExpectedBars, len(rep.Segments), reqID)
	writeJSON(w, http.StatusOK, scanResponse{Report: rep, Completeness: rep.Completeness()})
}
