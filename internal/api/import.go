package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Spot-Canvas/autotrader/internal/indicators"
	"github.com/Spot-Canvas/autotrader/internal/ingest"
)

// maxImportSnapshots caps one import request.
const maxImportSnapshots = 1000

// ImportRequest is the request body for POST /api/v1/indicators/import.
type ImportRequest struct {
	Snapshots []ingest.IndicatorEvent `json:"snapshots"`
}

// ImportResult holds the result of a single snapshot import.
type ImportResult struct {
	Symbol    string `json:"symbol"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"` // "stored", "stale"
}

// ImportResponse is the response body for POST /api/v1/indicators/import.
type ImportResponse struct {
	Total   int            `json:"total"`
	Stored  int            `json:"stored"`
	Stale   int            `json:"stale"`
	Results []ImportResult `json:"results"`
}

func (s *Server) handleImportSnapshots(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if len(req.Snapshots) == 0 {
		writeError(w, http.StatusBadRequest, "snapshots array is empty")
		return
	}

	if len(req.Snapshots) > maxImportSnapshots {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("too many snapshots: max %d per request", maxImportSnapshots))
		return
	}

	// Validate all snapshots up front before storing any
	snaps := make([]indicators.Snapshot, 0, len(req.Snapshots))
	for i, event := range req.Snapshots {
		if err := event.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("snapshot[%d] (%s): %v", i, event.Symbol, err))
			return
		}
		snap, err := event.ToDomain()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("snapshot[%d] (%s): %v", i, event.Symbol, err))
			return
		}
		snaps = append(snaps, snap)
	}

	// Oldest first so the newest snapshot per market wins
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].Timestamp.Before(snaps[j].Timestamp)
	})

	resp := ImportResponse{
		Total:   len(snaps),
		Results: make([]ImportResult, 0, len(snaps)),
	}
	for _, snap := range snaps {
		result := ImportResult{Symbol: snap.Symbol, Timestamp: snap.Timestamp.Format(time.RFC3339)}
		if s.snapshots.Put(snap) {
			result.Status = "stored"
			resp.Stored++
		} else {
			result.Status = "stale"
			resp.Stale++
		}
		resp.Results = append(resp.Results, result)
	}

	s.logger.Info().Int("stored", resp.Stored).Int("stale", resp.Stale).Msg("imported indicator snapshots")
	writeJSON(w, http.StatusOK, resp)
}
