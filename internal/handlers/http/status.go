package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"videorelay/internal/core/services"
	"videorelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // status dashboards are served from other origins
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

type StreamStatus struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	TeamID         string `json:"team_id"`
	Mode           string `json:"mode"`
	Status         string `json:"status"`
	Current        int    `json:"current"`
	MaxCurrent     int    `json:"max_current"`
	TotalListeners int    `json:"total_listeners"`
	TotalTime      string `json:"total_time"`
}

type StatusResponse struct {
	Streams        []StreamStatus `json:"streams"`
	Current        int            `json:"current"`
	MaxCurrent     int            `json:"max_current"`
	TotalListeners int            `json:"total_listeners"`
	TotalTime      string         `json:"total_time"`
}

// formatDuration renders d as h:mm:ss; hours are not wrapped.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}

func buildStatus(relay *services.Aggregator) StatusResponse {
	infos := relay.VideoInfo()
	resp := StatusResponse{Streams: make([]StreamStatus, 0, len(infos))}
	for _, vi := range infos {
		resp.Streams = append(resp.Streams, StreamStatus{
			ID:             strconv.Itoa(vi.Index),
			Name:           vi.Name,
			Type:           vi.Type.String(),
			TeamID:         vi.TeamID,
			Mode:           vi.Mode.String(),
			Status:         vi.Status.String(),
			Current:        vi.Stats.CurrentListeners,
			MaxCurrent:     vi.Stats.MaxConcurrentListeners,
			TotalListeners: vi.Stats.TotalListeners,
			TotalTime:      formatDuration(vi.Stats.TotalTime),
		})
	}

	totals := relay.Totals()
	resp.Current = totals.Concurrent
	resp.MaxCurrent = totals.MaxConcurrent
	resp.TotalListeners = totals.Total
	resp.TotalTime = formatDuration(totals.TotalTime)
	return resp
}

func (h *VideoHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, buildStatus(h.relay))
}

// StatusFeed upgrades to a websocket and pushes the status document every
// status interval until the client goes away.
func (h *VideoHandler) StatusFeed(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	readTimeout := 3 * h.statusInterval
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	// The client only sends control frames; reading keeps pongs and the
	// close handshake flowing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.statusInterval)
	defer ticker.Stop()

	send := func() error {
		doc := buildStatus(h.relay)
		_, span := tracing.TraceStatusPush(ctx, len(doc.Streams))
		defer span.End()

		conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := conn.WriteJSON(doc); err != nil {
			return err
		}
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout))
	}

	h.logger.Debugw("status feed opened", "remote", c.ClientIP())
	for {
		if err := send(); err != nil {
			h.logger.Debugw("status feed closed", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}
