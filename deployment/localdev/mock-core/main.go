package main

import (
	"encoding/json"
	"log"
	"math"
	"net/http"
	"time"
)

const (
	step      = 15 * time.Second
	maxPoints = 2000
)

type seriesRequest struct {
	Metric string    `json:"metric"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

type seriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// baselines are typical field values per web vital.
var baselines = map[string]float64{
	"LCP":  2100,
	"FCP":  1300,
	"INP":  140,
	"FID":  60,
	"CLS":  0.05,
	"TTFB": 420,
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/vitals/series", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req seriesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Metric == "" {
			http.Error(w, "metric, start and end are required", http.StatusBadRequest)
			return
		}
		if req.End.IsZero() {
			req.End = time.Now()
		}
		if req.Start.IsZero() || !req.Start.Before(req.End) {
			req.Start = req.End.Add(-time.Hour)
		}
		writeJSON(w, map[string]any{
			"metric": req.Metric,
			"series": synthesize(req.Metric, req.Start, req.End),
		})
	})

	logger := log.New(log.Writer(), "core-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8080",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8080")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

// synthesize returns a gently oscillating series with one regression burst
// three quarters of the way through, so backfill exercises incident merging.
func synthesize(metric string, start, end time.Time) []seriesPoint {
	base, ok := baselines[metric]
	if !ok {
		base = 100
	}
	n := int(end.Sub(start) / step)
	if n > maxPoints {
		n = maxPoints
		start = end.Add(-time.Duration(n) * step)
	}
	burstFrom, burstTo := n*3/4, n*3/4+3
	points := make([]seriesPoint, 0, n)
	for i := 0; i < n; i++ {
		value := base * (1 + 0.03*math.Sin(float64(i)/3))
		if i >= burstFrom && i < burstTo {
			value = base * 3.5
		}
		points = append(points, seriesPoint{Timestamp: start.Add(time.Duration(i) * step).UTC(), Value: value})
	}
	return points
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
