package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
)

// Counter names shared by the engine, the typed store and the node.
const (
	StorageCommits          = "storage_commits"
	StorageAborts           = "storage_aborts"
	StoragePopulatedRecords = "storage_populated_records"
	StoreConflictRetries    = "store_conflict_retries"
	StoreConflictsFatal     = "store_conflicts_fatal"
	QuerySelect             = "query_select"
	QueryInsert             = "query_insert"
	QueryDelete             = "query_delete"
)

// Keys are counter names, values are *int64.
var registry sync.Map

// Inc increments a counter by 1.
func Inc(name string) {
	Add(name, 1)
}

// Add adds delta to a counter.
func Add(name string, delta int64) {
	val, ok := registry.Load(name)
	if !ok {
		val, _ = registry.LoadOrStore(name, new(int64))
	}
	atomic.AddInt64(val.(*int64), delta)
}

// Get returns the current value of a counter.
func Get(name string) int64 {
	val, ok := registry.Load(name)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(val.(*int64))
}

// Snapshot copies every counter.
func Snapshot() map[string]int64 {
	snapshot := make(map[string]int64)
	registry.Range(func(key, value any) bool {
		snapshot[key.(string)] = atomic.LoadInt64(value.(*int64))
		return true
	})
	return snapshot
}

// Handler is an HTTP handler that exposes all metrics as JSON.
func Handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Snapshot())
}
