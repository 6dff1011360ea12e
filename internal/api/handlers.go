package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"txn-anomaly-monitor/internal/domain"
	"txn-anomaly-monitor/internal/ingest"
	"txn-anomaly-monitor/internal/storage"
)

// traceHeaders are copied into ingested batches untouched.
var traceHeaders = []string{"traceparent", "tracestate", "baggage"}

func (s *Server) ingestSingleHandler(w http.ResponseWriter, r *http.Request) {
	var rec ingest.Record
	if err := decodeBody(w, r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.feed.Ingest(r.Context(), ingest.Batch{Records: []ingest.Record{rec}, Headers: traceContext(r)})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestionResponse{RecordsInserted: res.Inserted, Timestamp: timePtr(res.Latest)})
}

func (s *Server) ingestBatchHandler(w http.ResponseWriter, r *http.Request) {
	var batch ingest.Batch
	if err := decodeBody(w, r, &batch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(batch.Records) > s.maxBatch {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("batch exceeds %d records", s.maxBatch))
		return
	}
	batch.Headers = traceContext(r)

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async && s.queue != nil {
		if _, err := ingest.ParseRecords(batch.Records, s.now()); err != nil {
			s.writeDomainError(w, err)
			return
		}
		if err := s.queue.Submit(r.Context(), batch); err != nil {
			writeError(w, http.StatusServiceUnavailable, "ingest queue unavailable")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "records": len(batch.Records)})
		return
	}

	res, err := s.feed.Ingest(r.Context(), batch)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestionResponse{RecordsInserted: res.Inserted, Timestamp: timePtr(res.Latest)})
}

func (s *Server) recentHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultRecentLimit, 1, maxRecentLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	observations, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("recent query failed")
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	records := make([]recentRecord, len(observations))
	for i, obs := range observations {
		records[i] = recentRecord{
			Timestamp:  obs.Timestamp.UTC().Format(time.RFC3339),
			Status:     string(obs.Status),
			Count:      obs.Count,
			IngestedAt: obs.IngestedAt.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, recentResponse{Records: records, Count: len(records)})
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	minutes, err := intParam(r, "minutes", 60, 1, 1440)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	to := s.now().UTC()
	from := to.Add(-time.Duration(minutes) * time.Minute)
	observations, err := s.store.Between(r.Context(), "", from, to.Add(time.Nanosecond))
	if err != nil {
		s.logger.Error().Err(err).Msg("summary query failed")
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	statuses := storage.Summarize(observations)
	total := 0
	for _, st := range statuses {
		total += st.DataPoints
	}
	writeJSON(w, http.StatusOK, summaryResponse{WindowMinutes: minutes, Statuses: statuses, TotalRecords: total})
}

// ratesHandler returns per-minute counts of every status seen in the window,
// the series the detector buckets its history into.
func (s *Server) ratesHandler(w http.ResponseWriter, r *http.Request) {
	minutes, err := intParam(r, "minutes", 60, 1, 1440)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	to := s.now().UTC()
	from := to.Add(-time.Duration(minutes) * time.Minute)
	observations, err := s.store.Between(r.Context(), "", from, to.Add(time.Nanosecond))
	if err != nil {
		s.logger.Error().Err(err).Msg("rates query failed")
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	rates := storage.MinuteRates(observations)
	data := make([]statusRateRecord, 0, len(rates))
	for _, rate := range rates {
		data = append(data, statusRateRecord{
			Timestamp: rate.Minute.UTC().Format(time.RFC3339),
			Status:    string(rate.Status),
			Count:     rate.Count,
		})
	}
	writeJSON(w, http.StatusOK, statusRatesResponse{WindowMinutes: minutes, Data: data, TotalPoints: len(data)})
}

func (s *Server) evaluateHandler(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Count == nil {
		writeError(w, http.StatusBadRequest, "count is required")
		return
	}
	status, err := domain.ParseStatus(req.Status)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	ts, err := domain.ParseTimestamp(req.Timestamp)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	verdict, err := s.monitor.EvaluateSingle(r.Context(), status, *req.Count, ts)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newVerdictResponse(verdict))
}

func (s *Server) alertStatusHandler(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.Status()
	resp := alertStatusResponse{
		Timestamp:       s.now().UTC(),
		OverallSeverity: report.Overall.String(),
		Statuses:        make(map[string]statusEntry, len(report.Statuses)),
	}
	for _, v := range report.Statuses {
		resp.Statuses[string(v.Status)] = statusEntry{
			ZScore:      v.ZScore,
			Severity:    v.Severity.String(),
			EvaluatedAt: timePtr(v.EvaluatedAt.UTC()),
		}
		if v.ZScore > resp.OverallScore {
			resp.OverallScore = v.ZScore
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeDomainError maps sentinel errors onto HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrHistoryUnavailable), errors.Is(err, domain.ErrPersistence):
		s.logger.Error().Err(err).Msg("store unavailable")
		writeError(w, http.StatusServiceUnavailable, "store unavailable, retry later")
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", name, lo, hi)
	}
	return v, nil
}

func traceContext(r *http.Request) map[string]string {
	var headers map[string]string
	for _, name := range traceHeaders {
		if v := r.Header.Get(name); v != "" {
			if headers == nil {
				headers = make(map[string]string, len(traceHeaders))
			}
			headers[name] = v
		}
	}
	return headers
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
