package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomkb/loom/internal/prune"
	loomsync "github.com/loomkb/loom/internal/sync"
)

// SyncData summarizes one sync pass.
type SyncData struct {
	RunID         string        `json:"run_id"`
	Upserted      int           `json:"upserted"`
	Unchanged     int           `json:"unchanged"`
	Deleted       int           `json:"deleted"`
	EdgesUpserted int           `json:"edges_upserted"`
	EdgesDeleted  int           `json:"edges_deleted"`
	Failed        int           `json:"failed"`
	Duration      time.Duration `json:"duration"`
}

// DatabaseStats are running totals for one database.
type DatabaseStats struct {
	SyncPasses  int       `json:"sync_passes"`
	Upserted    int       `json:"upserted"`
	Deleted     int       `json:"deleted"`
	LastSync    time.Time `json:"last_sync,omitempty"`
	PrunePasses int       `json:"prune_passes"`
	Pruned      int       `json:"pruned"`
	LastPrune   time.Time `json:"last_prune,omitempty"`
}

// Handler turns daemon notifications into dashboard messages. It implements
// daemon.Notifier.
type Handler struct {
	server *Server
	logger *zap.Logger

	mu    sync.Mutex
	stats map[string]*DatabaseStats
}

// NewHandler creates a handler broadcasting through server. New clients are
// greeted with the current stats.
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		server: server,
		logger: logger.Named("dashboard"),
		stats:  make(map[string]*DatabaseStats),
	}
	server.welcome = h.statsMessage
	return h
}

// SyncDone handles a finished sync pass.
func (h *Handler) SyncDone(db string, res loomsync.Result) {
	h.mu.Lock()
	st := h.entry(db)
	st.SyncPasses++
	st.Upserted += res.Upserted
	st.Deleted += res.Deleted
	st.LastSync = res.Finished
	h.mu.Unlock()

	h.send(MessageTypeSyncComplete, db, SyncData{
		RunID:         res.RunID,
		Upserted:      res.Upserted,
		Unchanged:     res.Unchanged,
		Deleted:       res.Deleted,
		EdgesUpserted: res.EdgesUpserted,
		EdgesDeleted:  res.EdgesDeleted,
		Failed:        len(res.Failed),
		Duration:      res.Duration(),
	})
}

// PruneDone handles a finished prune pass.
func (h *Handler) PruneDone(db string, rep prune.Report) {
	h.mu.Lock()
	st := h.entry(db)
	st.PrunePasses++
	st.Pruned += rep.Removed()
	st.LastPrune = rep.Finished
	h.mu.Unlock()

	h.send(MessageTypePruneComplete, db, rep)
}

// Stats returns a copy of the running totals.
func (h *Handler) Stats() map[string]DatabaseStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]DatabaseStats, len(h.stats))
	for db, st := range h.stats {
		out[db] = *st
	}
	return out
}

// entry returns the stats for db. Callers hold h.mu.
func (h *Handler) entry(db string) *DatabaseStats {
	st, ok := h.stats[db]
	if !ok {
		st = &DatabaseStats{}
		h.stats[db] = st
	}
	return st
}

func (h *Handler) statsMessage() Message {
	data, err := json.Marshal(h.Stats())
	if err != nil {
		h.logger.Warn("Failed to marshal stats", zap.Error(err))
	}
	return Message{Type: MessageTypeStats, Data: data}
}

func (h *Handler) send(typ MessageType, db string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("Failed to marshal message", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	h.server.Broadcast(Message{Type: typ, Database: db, Timestamp: time.Now().UTC(), Data: data})
}
