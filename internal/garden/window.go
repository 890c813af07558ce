package garden

import (
	"sort"
	"time"

	"github.com/benmeehan/garden-sync/internal/models"
)

// Window is a bounded, timestamp-ordered buffer of sensor readings.
// It keeps at most capacity readings no older than maxAge relative to the newest one.
type Window struct {
	capacity int
	maxAge   time.Duration
	readings []models.SensorReading
}

// NewWindow creates an empty window.
func NewWindow(capacity int, maxAge time.Duration) *Window {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window{
		capacity: capacity,
		maxAge:   maxAge,
		readings: make([]models.SensorReading, 0, min(capacity, 64)),
	}
}

// Add inserts a reading in timestamp order and evicts the oldest entries.
// It reports false when the reading was already too old to keep.
func (w *Window) Add(r models.SensorReading) bool {
	if n := len(w.readings); n > 0 && w.maxAge > 0 {
		if w.readings[n-1].Timestamp.Sub(r.Timestamp) > w.maxAge {
			return false
		}
	}

	i := sort.Search(len(w.readings), func(i int) bool {
		return w.readings[i].Timestamp.After(r.Timestamp)
	})
	w.readings = append(w.readings, models.SensorReading{})
	copy(w.readings[i+1:], w.readings[i:])
	w.readings[i] = r

	w.evict()
	return true
}

func (w *Window) evict() {
	drop := 0
	if len(w.readings) > w.capacity {
		drop = len(w.readings) - w.capacity
	}
	if w.maxAge > 0 {
		cutoff := w.readings[len(w.readings)-1].Timestamp.Add(-w.maxAge)
		for drop < len(w.readings) && w.readings[drop].Timestamp.Before(cutoff) {
			drop++
		}
	}
	if drop > 0 {
		w.readings = append(w.readings[:0], w.readings[drop:]...)
	}
}

// Len returns the number of buffered readings.
func (w *Window) Len() int { return len(w.readings) }

// Readings returns a copy of the buffered readings, oldest first.
func (w *Window) Readings() []models.SensorReading {
	out := make([]models.SensorReading, len(w.readings))
	copy(out, w.readings)
	return out
}

// Since returns the readings with a timestamp at or after t.
func (w *Window) Since(t time.Time) []models.SensorReading {
	i := sort.Search(len(w.readings), func(i int) bool {
		return !w.readings[i].Timestamp.Before(t)
	})
	out := make([]models.SensorReading, len(w.readings)-i)
	copy(out, w.readings[i:])
	return out
}
