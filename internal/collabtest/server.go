// Package collabtest hosts an in-process fake of the notification backend:
// the REST store endpoints, the websocket push endpoint and the liveness
// probe. Package tests point the SDK at it and script transport behavior.
package collabtest

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatlinkhq/chatlink-go/notifications"
)

// Server is a scripted collaborator backend for tests.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	byUser        map[string][]notifications.Notification
	conns         map[string][]*websocket.Conn
	pushAvailable bool
	acceptPush    bool
	listCalls     int
	listDelay     time.Duration
	pushAttempts  int
	lastCreated   time.Time
}

type pushFrame struct {
	Type         string                      `json:"type"`
	Notification *notifications.Notification `json:"notification,omitempty"`
	Payload      map[string]any              `json:"payload,omitempty"`
}

// New starts the fake backend and registers shutdown with the test.
func New(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{
		upgrader:      websocket.Upgrader{},
		byUser:        make(map[string][]notifications.Notification),
		conns:         make(map[string][]*websocket.Conn),
		pushAvailable: true,
		acceptPush:    true,
	}

	router := gin.New()
	router.GET("/notifications", s.handleList)
	router.GET("/notifications/unread-count", s.handleUnreadCount)
	router.POST("/notifications", s.handleCreate)
	router.POST("/notifications/mark-read", s.handleMarkRead)
	router.POST("/notifications/mark-all-read", s.handleMarkAllRead)
	router.DELETE("/notifications/:id", s.handleDelete)
	router.GET("/websocket-status", s.handleStatus)
	router.GET("/ws/:user_id", s.handleWebSocket)

	s.srv = httptest.NewServer(router)
	t.Cleanup(s.Close)
	return s
}

// URL returns the REST base URL.
func (s *Server) URL() string {
	return s.srv.URL
}

// PushURL returns the websocket endpoint for a user.
func (s *Server) PushURL(userID string) string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/" + userID
}

// Close shuts the server down, dropping any open websocket connections.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// SetPushAvailable scripts the /websocket-status response.
func (s *Server) SetPushAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushAvailable = available
}

// SetAcceptWebSocket scripts whether the push endpoint accepts upgrades.
// When false, connection attempts are rejected with 503.
func (s *Server) SetAcceptWebSocket(accept bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acceptPush = accept
}

// ListCalls reports how many times the list endpoint was hit.
func (s *Server) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

// SetListDelay makes the list endpoint sleep before answering, to hold a
// fetch in flight while the test acts.
func (s *Server) SetListDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listDelay = d
}

// PushAttempts reports how many connection attempts reached the push
// endpoint, accepted or not.
func (s *Server) PushAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushAttempts
}

// ConnectionCount reports open push connections for the user.
func (s *Server) ConnectionCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[userID])
}

// Add stores a notification, assigning an id and a created-at strictly after
// every previously stored one, mirroring the backend's monotonic timestamps.
func (s *Server) Add(n notifications.Notification) notifications.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(n)
}

func (s *Server) addLocked(n notifications.Notification) notifications.Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if !n.CreatedAt.After(s.lastCreated) {
		n.CreatedAt = s.lastCreated.Add(time.Millisecond)
	}
	s.lastCreated = n.CreatedAt
	s.byUser[n.UserID] = append(s.byUser[n.UserID], n)
	return n
}

// Push stores a notification and delivers it over every open push
// connection for the user.
func (s *Server) Push(userID string, n notifications.Notification) notifications.Notification {
	s.mu.Lock()
	n.UserID = userID
	stored := s.addLocked(n)
	conns := append([]*websocket.Conn(nil), s.conns[userID]...)
	s.mu.Unlock()

	frame := pushFrame{Type: "notification", Notification: &stored}
	for _, conn := range conns {
		_ = conn.WriteJSON(frame)
	}
	return stored
}

// PushFrame delivers a raw frame of an arbitrary type, for exercising the
// "unknown frame types are skipped" contract.
func (s *Server) PushFrame(userID, frameType string, payload map[string]any) {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns[userID]...)
	s.mu.Unlock()

	frame := pushFrame{Type: frameType, Payload: payload}
	for _, conn := range conns {
		_ = conn.WriteJSON(frame)
	}
}

// DropConnections severs every push connection without a close frame, which
// clients observe as an abnormal close.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string][]*websocket.Conn)
	s.mu.Unlock()

	for _, userConns := range conns {
		for _, conn := range userConns {
			_ = conn.UnderlyingConn().Close()
		}
	}
}

// CloseConnectionsClean closes every push connection with a normal close
// frame.
func (s *Server) CloseConnectionsClean() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string][]*websocket.Conn)
	s.mu.Unlock()

	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	for _, userConns := range conns {
		for _, conn := range userConns {
			_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
			_ = conn.Close()
		}
	}
}

func (s *Server) handleList(c *gin.Context) {
	userID := c.Query("user_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 {
		limit = 20
	}

	s.mu.Lock()
	s.listCalls++
	delay := s.listDelay
	stored := append([]notifications.Notification(nil), s.byUser[userID]...)
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	// Newest first.
	out := make([]notifications.Notification, 0, limit)
	for i := len(stored) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, stored[i])
	}
	c.JSON(http.StatusOK, gin.H{"notifications": out})
}

func (s *Server) handleUnreadCount(c *gin.Context) {
	userID := c.Query("user_id")

	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.byUser[userID] {
		if !n.Read {
			count++
		}
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (s *Server) handleCreate(c *gin.Context) {
	var input notifications.Notification
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if input.UserID == "" || input.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "user_id and type are required"})
		return
	}
	c.JSON(http.StatusOK, s.Add(input))
}

func (s *Server) handleMarkRead(c *gin.Context) {
	var body struct {
		NotificationIDs []string `json:"notification_ids"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}

	wanted := make(map[string]struct{}, len(body.NotificationIDs))
	for _, id := range body.NotificationIDs {
		wanted[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	updated := 0
	for userID, stored := range s.byUser {
		for i := range stored {
			if _, ok := wanted[stored[i].ID]; ok && !stored[i].Read {
				stored[i].Read = true
				updated++
			}
		}
		s.byUser[userID] = stored
	}
	c.JSON(http.StatusOK, gin.H{"updated_count": updated})
}

func (s *Server) handleMarkAllRead(c *gin.Context) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	updated := 0
	stored := s.byUser[body.UserID]
	for i := range stored {
		if !stored[i].Read {
			stored[i].Read = true
			updated++
		}
	}
	s.byUser[body.UserID] = stored
	c.JSON(http.StatusOK, gin.H{"updated_count": updated})
}

func (s *Server) handleDelete(c *gin.Context) {
	id := c.Param("id")

	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, stored := range s.byUser {
		for i := range stored {
			if stored[i].ID == id {
				s.byUser[userID] = append(stored[:i], stored[i+1:]...)
				c.JSON(http.StatusOK, gin.H{"deleted": true})
				return
			}
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "no such notification"})
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"available": s.pushAvailable})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	userID := c.Param("user_id")

	s.mu.Lock()
	s.pushAttempts++
	accept := s.acceptPush
	s.mu.Unlock()
	if !accept {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "SERVICE_UNAVAILABLE", "message": "push disabled"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns[userID] = append(s.conns[userID], conn)
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			userConns := s.conns[userID]
			for i, candidate := range userConns {
				if candidate == conn {
					s.conns[userID] = append(userConns[:i], userConns[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
			_ = conn.Close()
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
