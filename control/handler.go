package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	offlinecache "github.com/learnhub/offline-cache"
	"github.com/learnhub/offline-cache/execcache"
	"github.com/learnhub/offline-cache/jobs"
	"github.com/learnhub/offline-cache/namespace"
	"github.com/learnhub/offline-cache/revalidate"
	"github.com/learnhub/offline-cache/telemetry"
)

const commandTimeout = 30 * time.Second

// Fetcher fetches documents for CACHE_DOCUMENT. Implemented by the strategy
// package's upstream.
type Fetcher interface {
	Get(ctx context.Context, url string) (status int, header http.Header, body []byte, err error)
}

// Handler serves the control-plane WebSocket endpoint.
type Handler struct {
	store    *namespace.Store
	meta     *revalidate.MetadataStore
	upstream Fetcher
	exec     *execcache.Service
	queue    *execcache.PendingQueue
	runner   *jobs.Runner
	hub      *Hub
	logger   *slog.Logger

	upgrader websocket.Upgrader
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithAllowedOrigin restricts WebSocket upgrades to the given Origin host.
// Without it any origin is accepted.
func WithAllowedOrigin(host string) HandlerOption {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == host
		}
	}
}

// NewHandler creates a Handler.
func NewHandler(store *namespace.Store, meta *revalidate.MetadataStore, upstream Fetcher, exec *execcache.Service, queue *execcache.PendingQueue, runner *jobs.Runner, hub *Hub, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:    store,
		meta:     meta,
		upstream: upstream,
		exec:     exec,
		queue:    queue,
		runner:   runner,
		hub:      hub,
		logger:   slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "control")
	return h
}

// ServeHTTP upgrades the connection and runs it until the peer disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 64),
		hub:    h.hub,
		logger: h.logger,
	}
	h.hub.register(c)

	go c.writePump()
	c.readPump(h)
}

// dispatch routes one request to its handler. Any panic or error resolves to
// an error reply so the caller never hangs on an unanswered request.
func (h *Handler) dispatch(c *client, req Request) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	reply := h.safeHandle(ctx, req)
	if reply == nil {
		return
	}
	h.reply(ctx, c, req, *reply)
}

func (h *Handler) reply(ctx context.Context, c *client, req Request, reply Reply) {
	reply.Type = req.Type
	reply.RequestID = req.RequestID
	telemetry.RecordRPCReply(ctx, req.Type, reply.Success)
	h.hub.sendTo(c, reply)
}

func (h *Handler) safeHandle(ctx context.Context, req Request) (reply *Reply) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("control handler panicked", "type", req.Type, "panic", fmt.Sprint(rec))
			reply = &Reply{Error: "internal error"}
		}
	}()

	switch req.Type {
	case TypeCacheDocument:
		return h.handleCacheDocument(ctx, req)
	case TypeClearCache:
		return h.handleClearCache(ctx, req)
	case TypeGetCacheStatus:
		return h.handleCacheStatus(ctx, req)
	case TypeExecuteCode:
		return h.handleExecuteCode(ctx, req)
	case TypeCacheCodeResult:
		return h.handleCacheCodeResult(ctx, req)
	case TypeGetExecStatus:
		return h.handleExecStatus(ctx, req)
	default:
		return &Reply{Error: fmt.Sprintf("unknown message type %q", req.Type)}
	}
}

func (h *Handler) handleCacheDocument(ctx context.Context, req Request) *Reply {
	if req.URL == "" {
		return &Reply{Error: "url is required"}
	}

	ctx = telemetry.WithNamespaceContext(ctx, namespace.Documents)
	status, header, body, err := h.upstream.Get(ctx, req.URL)
	if err != nil {
		return &Reply{Error: fmt.Sprintf("fetching document: %v", err)}
	}
	if status >= 400 {
		return &Reply{Error: fmt.Sprintf("fetching document: status %d", status)}
	}

	entry := namespace.Entry{
		Key:    offlinecache.CacheKey(req.URL),
		URL:    req.URL,
		Status: status,
		Header: header,
	}
	if err := h.store.Put(ctx, namespace.Documents, entry, body); err != nil {
		return &Reply{Error: fmt.Sprintf("storing document: %v", err)}
	}
	if err := h.meta.RecordFetch(req.URL, header); err != nil {
		h.logger.Warn("failed to record document metadata", "url", req.URL, "error", err)
	}

	h.logger.Info("document cached", "url", req.URL, "bytes", len(body))
	return &Reply{Success: true}
}

func (h *Handler) handleClearCache(ctx context.Context, _ Request) *Reply {
	if err := h.store.Clear(ctx, namespace.Documents); err != nil {
		return &Reply{Error: fmt.Sprintf("clearing documents: %v", err)}
	}
	if err := h.meta.Clear(); err != nil {
		return &Reply{Error: fmt.Sprintf("clearing metadata: %v", err)}
	}
	h.logger.Info("document cache cleared")
	return &Reply{Success: true}
}

func (h *Handler) handleCacheStatus(_ context.Context, _ Request) *Reply {
	entries, err := h.store.Entries(namespace.Documents)
	if err != nil {
		return &Reply{Error: fmt.Sprintf("listing documents: %v", err)}
	}

	status := CacheStatus{Documents: make([]DocumentInfo, 0, len(entries))}
	for _, e := range entries {
		size := e.Size
		if cl := e.Header.Get("Content-Length"); cl != "" {
			if parsed, err := strconv.ParseInt(cl, 10, 64); err == nil {
				size = parsed
			}
		}
		status.TotalDocuments++
		status.CacheSize += size
		status.Documents = append(status.Documents, DocumentInfo{
			URL:      e.URL,
			Key:      e.Key,
			Size:     size,
			StoredAt: e.StoredAt,
		})
	}
	return &Reply{Success: true, Data: status}
}

// handleExecuteCode resolves through the pending queue: the execution runs
// in the background and its result is broadcast to every connected client.
// The queue's timeout guarantees a result is posted even if the execution
// hangs.
func (h *Handler) handleExecuteCode(_ context.Context, req Request) *Reply {
	if req.Language == "" || req.Code == "" {
		return &Reply{Error: "language and code are required"}
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	wait := h.queue.Add(id)

	submitted := h.runner.Submit("execute-code", func(ctx context.Context) error {
		result := h.exec.Execute(ctx, req.Language, req.Code)
		h.queue.Resolve(id, result)
		return nil
	})
	if !submitted {
		h.queue.Resolve(id, execcache.Result{Error: "server is shutting down"})
	}

	go func() {
		result := <-wait
		telemetry.RecordRPCReply(context.Background(), TypeExecuteCode, result.Error == "")
		h.hub.Broadcast(ExecutionResult{
			Type:   TypeCodeExecutionResult,
			ID:     id,
			Result: result,
		})
	}()

	return nil
}

// handleCacheCodeResult stores a result directly. Success is silent per the
// protocol; only failures produce a reply.
func (h *Handler) handleCacheCodeResult(ctx context.Context, req Request) *Reply {
	if req.CacheKey == "" || req.Result == nil {
		return &Reply{Error: "cacheKey and result are required"}
	}
	if err := h.exec.CacheResult(ctx, req.CacheKey, *req.Result); err != nil {
		return &Reply{Error: fmt.Sprintf("storing result: %v", err)}
	}
	return nil
}

func (h *Handler) handleExecStatus(_ context.Context, _ Request) *Reply {
	return &Reply{Success: true, Data: h.exec.Status()}
}
