package agora

import (
	"context"
	"fmt"
	"net"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/agora-chat/agora/types"
)

// Inspector is the local debugging surface: a JSON view of the session plus
// the Prometheus endpoint. It binds to localhost by default and exposes
// nothing a chat peer couldn't already derive from the wire.
type Inspector struct {
	chat   *Chat
	server *http.Server
}

// NewInspector wraps a chat session.
func NewInspector(chat *Chat) *Inspector {
	return &Inspector{chat: chat}
}

// responseLogger wraps ResponseWriter to capture status code
type responseLogger struct {
	http.ResponseWriter
	status int
}

func (rl *responseLogger) WriteHeader(code int) {
	rl.status = code
	rl.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware wraps a handler with debug-level request logging.
func loggingMiddleware(path string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseLogger{ResponseWriter: w, status: 200}
		handler(wrapped, r)
		logrus.Debugf("🌐 %s %s (%d)", r.Method, path, wrapped.status)
	}
}

// Start listens on addr (":0" picks a free port) and serves in the
// background.
func (in *Inspector) Start(addr string) error {
	if addr == "" {
		addr = "127.0.0.1:8680"
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	logrus.Printf("Listening for HTTP on port %d", port)

	in.server = &http.Server{Handler: in.createMux()}
	go func() {
		if err := in.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("HTTP server error")
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (in *Inspector) Stop(ctx context.Context) error {
	if in.server == nil {
		return nil
	}
	return in.server.Shutdown(ctx)
}

func (in *Inspector) createMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", loggingMiddleware("/status", in.statusHandler))
	mux.HandleFunc("/users.json", loggingMiddleware("/users.json", in.usersHandler))
	mux.HandleFunc("/history.json", loggingMiddleware("/history.json", in.historyHandler))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

type statusView struct {
	Address   types.Address  `json:"address"`
	Username  types.UserName `json:"username"`
	Topic     types.Topic    `json:"topic"`
	FeedIndex int64          `json:"feed_index"`

	ActiveUsers    int        `json:"active_users"`
	HistoryEntries int        `json:"history_entries"`
	Checkpoint     HistoryRef `json:"checkpoint"`

	BannedRefs    int `json:"banned_refs"`
	ProcessedRefs int `json:"processed_refs"`
}

func (in *Inspector) statusHandler(w http.ResponseWriter, r *http.Request) {
	chat := in.chat
	view := statusView{
		Address:        chat.Address(),
		Username:       chat.Username(),
		Topic:          chat.Topic(),
		FeedIndex:      chat.OwnIndex(),
		ActiveUsers:    len(chat.ActiveUsers()),
		HistoryEntries: chat.History().TotalEntries(),
		Checkpoint:     chat.History().Current(),
		BannedRefs:     chat.Ledger().BannedCount(),
		ProcessedRefs:  chat.Ledger().ProcessedCount(),
	}
	writeJSON(w, view)
}

func (in *Inspector) usersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, in.chat.ActiveUsers())
}

type historyView struct {
	Checkpoint HistoryRef       `json:"checkpoint"`
	Latest     []AddressedEntry `json:"latest"`
}

func (in *Inspector) historyHandler(w http.ResponseWriter, r *http.Request) {
	store := in.chat.History()
	writeJSON(w, historyView{
		Checkpoint: store.Current(),
		Latest:     store.LatestEntriesView(DefaultSelectBatch),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Debugf("🌐 encoding response: %v", err)
	}
}
