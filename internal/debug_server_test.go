package internal

import (
	"chat-relay/contract"
	"chat-relay/infrastructure/storage"
	"chat-relay/mocks"
	"chat-relay/observability"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestDebugServer_Rooms_Table(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	directory := mocks.NewMockIDirectory(ctrl)
	directory.EXPECT().Rooms().Return([]contract.RoomStat{
		{Room: "general", Members: 3},
		{Room: "random", Members: 1},
	})

	s := NewDebugServer(log, directory, observability.NewMonitoringManager(log), nil)

	code, body := get(t, s.Handler(), "/rooms")
	req.Equal(http.StatusOK, code)
	req.Contains(body, "general")
	req.Contains(body, "random")
	req.Contains(body, "2 rooms")
}

func TestDebugServer_Stats_JSON(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	monitoring := observability.NewMonitoringManager(log)
	monitoring.SessionOpened()
	monitoring.IncrEnqueued()
	monitoring.Refresh(7)

	s := NewDebugServer(log, mocks.NewMockIDirectory(ctrl), monitoring, nil)

	code, body := get(t, s.Handler(), "/stats")
	req.Equal(http.StatusOK, code)

	var stats observability.MonitoringStats
	req.NoError(json.Unmarshal([]byte(body), &stats))
	req.Equal(int64(1), stats.ActiveSessions)
	req.Equal(uint64(1), stats.MessagesEnqueued)
	req.Equal(7, stats.QueueDepth)
}

func TestDebugServer_Inspect(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	monitoring := observability.NewMonitoringManager(log)

	// Without badger the endpoint is unavailable
	s := NewDebugServer(log, mocks.NewMockIDirectory(ctrl), monitoring, nil)
	code, _ := get(t, s.Handler(), "/inspect")
	req.Equal(http.StatusNotFound, code)

	// Given an upload staged in badger
	db, err := storage.OpenBadger("")
	req.NoError(err)
	defer db.Close()
	stager := storage.NewBadgerStager(db, log)
	_, w, err := stager.Create(context.Background(), "notes.txt")
	req.NoError(err)
	_, err = w.Write([]byte("hello"))
	req.NoError(err)
	req.NoError(w.Close())

	// Then the staging keys are listed
	s = NewDebugServer(log, mocks.NewMockIDirectory(ctrl), monitoring, db)
	code, body := get(t, s.Handler(), "/inspect?prefix=stage:")
	req.Equal(http.StatusOK, code)
	req.Contains(body, "META")
	req.Contains(body, "SEGMENT")
	req.Contains(body, "notes.txt")
}
