// Package exchangetest provides an in-process klines provider for tests.
package exchangetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// Fault lets a test replace the response for a request. Returning handled=false
// falls through to the normal candle response.
type Fault func(w http.ResponseWriter, r *http.Request, symbol string, call int) (handled bool)

// Server serves /api/v3/klines with deterministic candles for every open time
// aligned to the requested bucket and strictly before Now(). Like the real
// provider it includes the bucket still forming at Now(), served with
// FormingVolume until it closes.
type Server struct {
	*httptest.Server

	// Now is the provider's clock in epoch milliseconds.
	Now func() int64
	// ListedAt is the first open time served, 0 for no lower bound.
	ListedAt int64

	mu    sync.Mutex
	calls map[string]int
	total int
	fault Fault
}

// NewServer starts a fake provider whose clock is now.
func NewServer(now func() int64) *Server {
	s := &Server{Now: now, calls: make(map[string]int)}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/klines", s.handleKlines)
	mux.HandleFunc("/api/v3/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{}"))
	})
	s.Server = httptest.NewServer(mux)
	return s
}

// SetFault installs f for subsequent requests; nil removes it.
func (s *Server) SetFault(f Fault) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

// Calls returns the number of klines requests received for symbol.
func (s *Server) Calls(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[symbol]
}

// TotalCalls returns the number of klines requests received.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// ResetCalls zeroes the call counters.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	s.calls = make(map[string]int)
	s.total = 0
	s.mu.Unlock()
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")

	s.mu.Lock()
	s.calls[symbol]++
	s.total++
	call := s.calls[symbol]
	fault := s.fault
	s.mu.Unlock()

	if fault != nil && fault(w, r, symbol, call) {
		return
	}

	res, err := models.ParseResolution(q.Get("interval"))
	if err != nil {
		writeError(w, http.StatusBadRequest, -1120, "Invalid interval.")
		return
	}
	start, err1 := strconv.ParseInt(q.Get("startTime"), 10, 64)
	end, err2 := strconv.ParseInt(q.Get("endTime"), 10, 64)
	limit, err3 := strconv.Atoi(q.Get("limit"))
	if err1 != nil || err2 != nil || err3 != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, -1100, "Illegal characters found in parameter.")
		return
	}

	rows := Rows(res, start, end, limit, s.ListedAt, s.Now())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

// FormingVolume is the volume of a candle whose bucket has not closed yet.
const FormingVolume = "0.75"

// Rows renders the klines rows the fake serves for a request.
func Rows(res models.Resolution, start, end int64, limit int, listedAt, now int64) [][]interface{} {
	bucket := res.Millis()
	first := start
	if first < listedAt {
		first = listedAt
	}
	if rem := first % bucket; rem != 0 {
		first += bucket - rem
	}

	rows := make([][]interface{}, 0)
	for ts := first; ts <= end && ts < now && len(rows) < limit; ts += bucket {
		c := CandleAt(ts, bucket)
		if ts+bucket > now {
			c.Volume = FormingVolume
		}
		rows = append(rows, []interface{}{
			c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume, c.CloseTime,
			"0", 0, "0", "0", "0",
		})
	}
	return rows
}

// CandleAt returns the deterministic candle served for open time ts.
func CandleAt(ts, bucket int64) models.Candle {
	base := 100 + (ts/bucket)%50
	return models.Candle{
		Timestamp: ts,
		CloseTime: ts + bucket - 1,
		Open:      fmt.Sprintf("%d.10", base),
		High:      fmt.Sprintf("%d.50", base+1),
		Low:       fmt.Sprintf("%d.00", base-1),
		Close:     fmt.Sprintf("%d.20", base),
		Volume:    "3.25",
	}
}

// WriteStatus writes a Binance style error body with the given status.
func WriteStatus(w http.ResponseWriter, status int, retryAfter string) {
	if retryAfter != "" {
		w.Header().Set("Retry-After", retryAfter)
	}
	writeError(w, status, -1003, http.StatusText(status))
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": code, "msg": msg})
}
