package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xianyu-ding/RailFair/pkg/cache"
	"github.com/xianyu-ding/RailFair/pkg/fares"
	"github.com/xianyu-ding/RailFair/pkg/models"
	"github.com/xianyu-ding/RailFair/pkg/predict"
)

// predictionPayload is the cacheable core of a prediction response. The
// per-request wrapper (request ID, processing time, cache hit flag) is
// added after the cache round trip.
type predictionPayload struct {
	Origin          string              `json:"origin"`
	Destination     string              `json:"destination"`
	Date            string              `json:"departure_date"`
	Time            string              `json:"departure_time"`
	TOC             string              `json:"operator,omitempty"`
	Prediction      *predict.Prediction `json:"prediction"`
	Fares           *fares.Comparison   `json:"fares"`
	Recommendations []Recommendation    `json:"recommendations"`
	Explanation     string              `json:"explanation"`
}

type predictionResponse struct {
	RequestID string `json:"request_id"`
	predictionPayload
	Metadata struct {
		ProcessingMS float64 `json:"processing_time_ms"`
		CacheHit     bool    `json:"cache_hit"`
	} `json:"metadata"`
}

// handlePredict is the main serving path: validate, rate limit, then
// answer from cache or compute prediction and fare comparison in
// parallel.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "request body must be valid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondErrorFields(w, r, http.StatusUnprocessableEntity,
			"request validation failed", fieldErrors(err))
		return
	}

	fp := Fingerprint(clientIP(r), r.UserAgent())
	if ok, retryAfter := s.limiter.Allow(fp); !ok {
		s.metrics.RateLimitDenied.Inc()
		s.rateLimitHits.Add(1)
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		s.respondError(w, r, http.StatusTooManyRequests,
			"rate limit exceeded; retry after the indicated interval")
		return
	}

	key := cache.Key("prediction", req.Origin, req.Destination, req.Date, req.Time,
		req.TOC, strconv.FormatBool(req.IncludeFares))
	data, hit, err := s.cache.Do(r.Context(), key, cache.TTLPrediction, func() ([]byte, error) {
		payload, err := s.computePrediction(r, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(payload)
	})
	if err != nil {
		s.logger.Error("prediction failed",
			zap.String("origin", req.Origin),
			zap.String("destination", req.Destination),
			zap.Error(err))
		s.respondError(w, r, http.StatusInternalServerError, "prediction failed")
		return
	}

	var resp predictionResponse
	if err := json.Unmarshal(data, &resp.predictionPayload); err != nil {
		s.respondError(w, r, http.StatusInternalServerError, "corrupt cached prediction")
		return
	}
	resp.RequestID = requestIDFrom(r.Context())
	resp.Metadata.ProcessingMS = round2(float64(time.Since(started).Microseconds()) / 1000)
	resp.Metadata.CacheHit = hit

	s.predictions.Add(1)
	s.respondJSON(w, http.StatusOK, resp)
}

// computePrediction runs the prediction engine and the fare comparison
// concurrently. A fare lookup failure degrades the response rather than
// failing it; a prediction failure fails the request.
func (s *Server) computePrediction(r *http.Request, req PredictRequest) (*predictionPayload, error) {
	when, err := time.ParseInLocation("2006-01-02 15:04", req.Date+" "+req.Time, s.loc)
	if err != nil {
		return nil, fmt.Errorf("parse journey time: %w", err)
	}

	var (
		prediction *predict.Prediction
		comparison *fares.Comparison
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		p, err := s.engine.Predict(ctx, predict.Request{
			Origin:      req.Origin,
			Destination: req.Destination,
			TOC:         req.TOC,
			When:        when,
		})
		if err != nil {
			return fmt.Errorf("predict: %w", err)
		}
		prediction = p
		return nil
	})
	if req.IncludeFares {
		g.Go(func() error {
			cmp, err := s.comparator.Compare(ctx, req.Origin, req.Destination)
			if err != nil {
				s.logger.Warn("fare comparison unavailable",
					zap.String("origin", req.Origin),
					zap.String("destination", req.Destination),
					zap.Error(err))
				return nil
			}
			comparison = cmp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &predictionPayload{
		Origin:          req.Origin,
		Destination:     req.Destination,
		Date:            req.Date,
		Time:            req.Time,
		TOC:             req.TOC,
		Prediction:      prediction,
		Fares:           comparison,
		Recommendations: buildRecommendations(prediction, comparison),
		Explanation:     prediction.Explanation,
	}, nil
}

// handleFeedback records user feedback. Feedback is stored for offline
// review and never feeds the statistics tables.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "request body must be valid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondErrorFields(w, r, http.StatusUnprocessableEntity,
			"request validation failed", fieldErrors(err))
		return
	}

	fb := models.Feedback{
		FeedbackID:   uuid.New().String(),
		RequestID:    req.RequestID,
		ActualDelay:  req.ActualDelay,
		WasCancelled: req.WasCancelled,
		Rating:       req.Rating,
		Comment:      req.Comment,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.db.InsertFeedback(r.Context(), fb); err != nil {
		s.logger.Error("feedback insert failed", zap.Error(err))
		s.respondError(w, r, http.StatusInternalServerError, "failed to record feedback")
		return
	}

	s.feedbackCount.Add(1)
	s.respondJSON(w, http.StatusCreated, map[string]string{
		"feedback_id": fb.FeedbackID,
		"received_at": fb.CreatedAt.Format(time.RFC3339),
	})
}

// handleStats reports service counters and stored data volumes.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	totals, err := s.db.SystemTotals(r.Context())
	if err != nil {
		s.logger.Error("system totals query failed", zap.Error(err))
		s.respondError(w, r, http.StatusInternalServerError, "failed to load system statistics")
		return
	}

	var avgMS float64
	if n := s.requestTotal.Load(); n > 0 {
		avgMS = round2(float64(s.processingMicros.Load()) / float64(n) / 1000)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":      int(time.Since(s.started).Seconds()),
		"total_requests":      s.requestTotal.Load(),
		"rate_limit_hits":     s.rateLimitHits.Load(),
		"avg_processing_ms":   avgMS,
		"predictions_served":  s.predictions.Load(),
		"feedback_received":   s.feedbackCount.Load(),
		"services_stored":     totals.Services,
		"stops_stored":        totals.Stops,
		"routes_with_history": totals.Routes,
		"fares_cached":        totals.Fares,
	})
}

// handleResetRateLimit clears rate-limit state. Requires the admin token;
// an empty fingerprint clears every caller.
func (s *Server) handleResetRateLimit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminToken == "" || r.Header.Get("X-Admin-Token") != s.cfg.AdminToken {
		s.respondError(w, r, http.StatusForbidden, "admin token required")
		return
	}

	var req ResetRateLimitRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, r, http.StatusBadRequest, "request body must be valid JSON")
			return
		}
		if err := s.validate.Struct(req); err != nil {
			s.respondErrorFields(w, r, http.StatusUnprocessableEntity,
				"request validation failed", fieldErrors(err))
			return
		}
	}

	cleared := s.limiter.Reset(req.Fingerprint)
	s.logger.Info("rate limit reset",
		zap.String("fingerprint", req.Fingerprint),
		zap.Int("cleared", cleared))
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":  "reset",
		"cleared": cleared,
	})
}

// handlePopularRoutes lists the busiest routes by observed service count.
func (s *Server) handlePopularRoutes(w http.ResponseWriter, r *http.Request) {
	key := cache.Key("popular_routes", "top10")
	data, _, err := s.cache.Do(r.Context(), key, cache.TTLPopularRoutes, func() ([]byte, error) {
		routes, err := s.db.PopularRoutes(r.Context(), 10)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"routes": routes})
	})
	if err != nil {
		s.logger.Error("popular routes query failed", zap.Error(err))
		s.respondError(w, r, http.StatusInternalServerError, "failed to load popular routes")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleRouteStops returns the calling pattern for a route, preferring
// timetable data and falling back to observed services.
func (s *Server) handleRouteStops(w http.ResponseWriter, r *http.Request) {
	origin := chi.URLParam(r, "origin")
	destination := chi.URLParam(r, "destination")
	if !crsPattern.MatchString(origin) || !crsPattern.MatchString(destination) {
		s.respondError(w, r, http.StatusUnprocessableEntity,
			"origin and destination must be three-letter CRS codes")
		return
	}

	result, err := s.db.RouteStops(r.Context(), origin, destination)
	if err != nil {
		s.logger.Error("route stops query failed", zap.Error(err))
		s.respondError(w, r, http.StatusInternalServerError, "failed to load route stops")
		return
	}
	if result == nil {
		s.respondError(w, r, http.StatusNotFound,
			fmt.Sprintf("no stop data for route %s-%s", origin, destination))
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"origin":      origin,
		"destination": destination,
		"stops":       result.Stops,
		"data_source": result.DataSource,
		"updated_at":  result.UpdatedAt.Format(time.RFC3339),
	})
}

// clientIP strips the port from RemoteAddr. RealIP middleware has already
// substituted forwarded headers when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
