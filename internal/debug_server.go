package internal

import (
	"chat-relay/contract"
	"chat-relay/infrastructure/storage"
	"chat-relay/observability"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/olekukonko/tablewriter"
)

// DebugServer exposes read only views of the relay for operators:
//
//	/rooms    plain text table of rooms and member counts
//	/stats    JSON counters
//	/inspect  staging keys held in Badger (only when a Badger stager is used)
type DebugServer struct {
	log        *slog.Logger
	directory  contract.IDirectory
	monitoring *observability.MonitoringManager
	db         *badger.DB
}

func NewDebugServer(log *slog.Logger, directory contract.IDirectory, monitoring *observability.MonitoringManager, db *badger.DB) *DebugServer {
	return &DebugServer{log: log, directory: directory, monitoring: monitoring, db: db}
}

func (s *DebugServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rooms", s.handleRooms)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/inspect", s.handleInspect)
	return mux
}

func (s *DebugServer) handleRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := s.directory.Rooms()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	table := newTable(w, "Room", "Members")
	total := 0
	for _, r := range rooms {
		table.Append([]string{string(r.Room), strconv.Itoa(r.Members)})
		total += r.Members
	}
	table.SetFooter([]string{fmt.Sprintf("%d rooms", len(rooms)), strconv.Itoa(total)})
	table.Render()
}

func (s *DebugServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.monitoring.GetLatest()); err != nil {
		s.log.Debug("Failed to encode stats", "error", err)
	}
}

func (s *DebugServer) handleInspect(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "staging is not backed by badger", http.StatusNotFound)
		return
	}
	entries, err := storage.ListStaged(s.db, r.URL.Query().Get("prefix"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	WriteStagedTable(w, entries)
}

// WriteStagedTable renders staging entries the same way for the debug
// server and the command line inspector.
func WriteStagedTable(w io.Writer, entries []storage.StagedEntry) {
	table := newTable(w, "Key", "Kind", "Size", "Detail")
	for _, e := range entries {
		table.Append([]string{e.Key, e.Kind, strconv.Itoa(e.Size), e.Detail})
	}
	table.Render()
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}
