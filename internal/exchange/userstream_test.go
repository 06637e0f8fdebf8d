package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestUserStreamSendsKeepAlivePings(t *testing.T) {
	oldPing := userStreamPing
	userStreamPing = 20 * time.Millisecond
	defer func() { userStreamPing = oldPing }()

	var pings atomic.Int64
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/time", func(w http.ResponseWriter, r *http.Request) {
		serveTime(w, 0)
	})
	mux.HandleFunc("/api/v3/userDataStream", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"listenKey":"lk-test"}`))
	})
	mux.HandleFunc("/ws/lk-test", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.SetPingHandler(func(string) error {
			pings.Add(1)
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := NewClient(testAPIKey, testSecretKey, []string{srv.URL}, wsURL, nil, testLogger())
	require.NoError(t, err)

	_, cancel, err := c.UserStream(context.Background())
	require.NoError(t, err)
	defer cancel()

	require.Eventually(t, func() bool {
		return pings.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond, "no client-side pings observed")
}
