package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the relay's HTTP surface.
type Server struct {
	hub    *Hub
	logger *zap.Logger
}

// NewServer wires the relay around a hub.
func NewServer(hub *Hub, logger *zap.Logger) *Server {
	return &Server{hub: hub, logger: logger}
}

// Router builds the gin engine with the relay's routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ws", s.handleWS)
	return r
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.logger.Info("client connected", zap.String("remote", conn.RemoteAddr().String()))
	go s.hub.serve(conn)
}
