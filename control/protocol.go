// Package control exposes the WebSocket control plane: manual cache
// management and code execution over a JSON message protocol. Every request
// is answered exactly once, by a direct reply or a broadcast result, even
// when a handler fails.
package control

import (
	"time"

	"github.com/learnhub/offline-cache/execcache"
)

// Message types. Requests carry one of the command types; replies echo the
// request type except for execution results, which are broadcast to every
// connected client.
const (
	TypeCacheDocument   = "CACHE_DOCUMENT"
	TypeClearCache      = "CLEAR_CACHE"
	TypeGetCacheStatus  = "GET_CACHE_STATUS"
	TypeExecuteCode     = "EXECUTE_CODE"
	TypeCacheCodeResult = "CACHE_CODE_RESULT"
	TypeGetExecStatus   = "GET_EXEC_STATUS"

	TypeCodeExecutionResult = "CODE_EXECUTION_RESULT"
)

// Request is a client command. Type discriminates which of the remaining
// fields are meaningful.
type Request struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// CACHE_DOCUMENT
	URL string `json:"url,omitempty"`

	// EXECUTE_CODE
	ID       string `json:"id,omitempty"`
	Language string `json:"language,omitempty"`
	Code     string `json:"code,omitempty"`

	// CACHE_CODE_RESULT
	CacheKey string            `json:"cacheKey,omitempty"`
	Result   *execcache.Result `json:"result,omitempty"`
}

// Reply is a direct response to one request.
type Reply struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// ExecutionResult is broadcast to all connected clients when an execution
// resolves.
type ExecutionResult struct {
	Type   string           `json:"type"`
	ID     string           `json:"id"`
	Result execcache.Result `json:"result"`
}

// DocumentInfo describes one cached document in a status reply.
type DocumentInfo struct {
	URL      string    `json:"url"`
	Key      string    `json:"key"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"storedAt"`
}

// CacheStatus is the GET_CACHE_STATUS payload.
type CacheStatus struct {
	TotalDocuments int            `json:"totalDocuments"`
	CacheSize      int64          `json:"cacheSize"`
	Documents      []DocumentInfo `json:"documents"`
}
