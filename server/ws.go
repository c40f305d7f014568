package server

import (
	"errors"
	"net/http"

	"flowchat/auth"
	"flowchat/presence"
	"flowchat/protocol"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
)

var errIdentityMismatch = errors.New("token subject does not match userId")

// handleWS upgrades GET /ws?userId=...&token=... to a live connection and runs its
// read loop until the peer goes away.
func (s *Server) handleWS(c *gin.Context) {
	userID, err := s.connectionIdentity(c.Query("userId"), c.Query("token"))
	if err != nil {
		s.log.Warn("Rejected live connection", "remote", c.ClientIP(), "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: s.config.WSInsecureSkipVerify,
		OriginPatterns:     s.config.AllowedOrigins,
	})
	if err != nil {
		s.log.Debug("WebSocket accept failed", "remote", c.ClientIP(), "error", err)
		return // Accept already wrote the response
	}
	conn.SetReadLimit(s.config.ReadLimit)

	client := newClient(c.Request.Context(), conn, userID, s.config, s.log)
	s.hub.Connect(client, userID)
	defer func() {
		s.hub.Disconnect(client, userID)
		client.Close(websocket.StatusNormalClosure, "bye")
	}()

	go client.writeLoop()
	go client.keepAliveLoop()

	s.readLoop(client)
}

// connectionIdentity decides which user a new connection speaks for. A token, when
// present, wins and must agree with any claimed userId. Without one the claim is
// trusted unless tokens are required.
func (s *Server) connectionIdentity(claimed, token string) (string, error) {
	if token == "" {
		if s.config.RequireToken {
			return "", auth.ErrInvalidToken
		}
		return claimed, nil
	}

	subject, err := s.issuer.Verify(token)
	if err != nil {
		return "", err
	}
	if presence.ValidIdentity(claimed) && claimed != subject {
		return "", errIdentityMismatch
	}
	return subject, nil
}

func (s *Server) readLoop(c *Client) {
	for {
		typ, frame, err := c.conn.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && c.ctx.Err() == nil {
				c.log.Debug("Read failed", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		ev, err := protocol.ParseEvent(frame)
		if err != nil {
			c.log.Warn("Invalid event", "error", err)
			s.metrics.dropped("", dropInvalid)
			continue
		}

		if !c.limiter.Allow() {
			c.log.Debug("Event rate exceeded", "type", ev.Type)
			s.metrics.dropped(ev.Type, dropRateLimited)
			continue
		}

		s.handleEvent(c, ev)
	}
}
