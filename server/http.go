package server

import (
	"errors"
	"net/http"
	"time"

	"flowchat/auth"
	"flowchat/db"
	"flowchat/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const userIDKey = "userID"

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	r.GET("/ws", s.handleWS)

	authGroup := r.Group("/api/auth")
	authGroup.POST("/register", s.handleRegister)
	authGroup.POST("/login", s.handleLogin)
	authGroup.GET("/all-users/:myId", s.identify(), s.handleAllUsers)
	authGroup.PUT("/update-profile", s.identify(), s.handleProfile)

	msgGroup := r.Group("/api/messages", s.identify())
	msgGroup.GET("/:myId/:partnerId", s.handleHistory)
	msgGroup.POST("/send/:id", s.handleSend)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" {
			return
		}
		s.log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// identify binds the request to the subject of its bearer token, if it carries one.
func (s *Server) identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			if s.config.RequireToken {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing token"})
				return
			}
			c.Next()
			return
		}

		userID, err := s.issuer.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// actingAs returns the user a request acts for: the token subject when there is
// one, else the id the request names. A request naming someone other than its
// token subject gets 403.
func actingAs(c *gin.Context, claimed string) (string, bool) {
	if v, ok := c.Get(userIDKey); ok {
		userID := v.(string)
		if claimed != "" && claimed != userID {
			c.JSON(http.StatusForbidden, gin.H{"message": "Not allowed to act for another user"})
			return "", false
		}
		return userID, true
	}
	if claimed == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "User id is required"})
		return "", false
	}
	return claimed, true
}

// respondStoreError answers a failed store call. Contention gets 503 with a
// Retry-After so clients back off; anything else is a plain 500.
func respondStoreError(c *gin.Context, err error, message string) {
	if db.IsTransient(err) {
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "Server busy, try again"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"message": message})
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		s.log.Error("Health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"online":      s.hub.Registry().Len(),
		"connections": len(s.hub.Connections()),
	})
}

type registerRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Name, email and a password of at least 6 characters are required"})
		return
	}

	ctx := c.Request.Context()
	exists, err := s.store.EmailExists(ctx, req.Email)
	if err != nil {
		logStoreError(s.log, "Register failed", err)
		respondStoreError(c, err, "Server error")
		return
	}
	if exists {
		c.JSON(http.StatusBadRequest, gin.H{"message": "User already exists"})
		return
	}

	user, err := s.store.CreateUser(ctx, req.Name, req.Email, req.Password)
	if errors.Is(err, db.ErrEmailTaken) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "User already exists"})
		return
	}
	if err != nil {
		logStoreError(s.log, "Register failed", err)
		respondStoreError(c, err, "Server error")
		return
	}

	s.log.Info("User registered", "user", user.ID)
	c.JSON(http.StatusCreated, gin.H{"message": "User created successfully!", "user": user})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Email and password are required"})
		return
	}

	user, err := s.store.AuthenticateUser(c.Request.Context(), req.Email, req.Password)
	if errors.Is(err, db.ErrInvalidLogin) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid Email or Password"})
		return
	}
	if err != nil {
		logStoreError(s.log, "Login failed", err)
		respondStoreError(c, err, "Server error")
		return
	}

	resp := gin.H{"message": "Login successful", "user": user}
	if s.issuer.Enabled() {
		token, err := s.issuer.Issue(user.ID)
		if err != nil {
			s.log.Error("Token signing failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Server error"})
			return
		}
		resp["token"] = token
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAllUsers(c *gin.Context) {
	myID, ok := actingAs(c, c.Param("myId"))
	if !ok {
		return
	}

	users, err := s.store.ListUsersWithMeta(c.Request.Context(), myID)
	if err != nil {
		logStoreError(s.log, "List users failed", err, "user", myID)
		respondStoreError(c, err, "Server error")
		return
	}
	if users == nil {
		users = []models.UserSummary{}
	}
	c.JSON(http.StatusOK, users)
}

type profileRequest struct {
	UserID     string  `json:"userId"`
	Name       *string `json:"name"`
	ProfilePic *string `json:"profilepic"`
	Bio        *string `json:"bio"`
}

func (s *Server) handleProfile(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
		return
	}
	userID, ok := actingAs(c, req.UserID)
	if !ok {
		return
	}

	user, err := s.store.UpdateProfile(c.Request.Context(), userID, models.ProfileUpdate{
		Name:       req.Name,
		ProfilePic: req.ProfilePic,
		Bio:        req.Bio,
	})
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "User not found"})
		return
	}
	if err != nil {
		logStoreError(s.log, "Profile update failed", err, "user", userID)
		respondStoreError(c, err, "Server error")
		return
	}
	c.JSON(http.StatusOK, user)
}

// handleHistory returns the conversation and then marks the partner's messages as read.
// The returned records carry their statuses from before the update.
func (s *Server) handleHistory(c *gin.Context) {
	myID, ok := actingAs(c, c.Param("myId"))
	if !ok {
		return
	}
	partnerID := c.Param("partnerId")

	ctx := c.Request.Context()
	messages, err := s.store.Conversation(ctx, myID, partnerID)
	if err != nil {
		logStoreError(s.log, "History fetch failed", err, "user", myID, "partner", partnerID)
		respondStoreError(c, err, "Error fetching messages")
		return
	}

	// Already logged by the hub; the history is still worth returning.
	_, _ = s.hub.MarkAsRead(ctx, partnerID, myID)

	c.JSON(http.StatusOK, messages)
}

type sendRequest struct {
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
	Image    string `json:"image"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
		return
	}
	senderID, ok := actingAs(c, req.SenderID)
	if !ok {
		return
	}
	receiverID := c.Param("id")

	content := models.Content{Text: req.Text, Image: req.Image}
	if err := content.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Cannot send empty message"})
		return
	}

	ctx := c.Request.Context()
	exists, err := s.store.UserExists(ctx, receiverID)
	if err != nil {
		logStoreError(s.log, "Recipient lookup failed", err, "receiver", receiverID)
		respondStoreError(c, err, "Error sending message")
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"message": "Recipient not found"})
		return
	}

	msg, err := s.hub.SendMessage(ctx, senderID, receiverID, content)
	if errors.Is(err, models.ErrEmptyMessage) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Cannot send empty message"})
		return
	}
	if err != nil {
		respondStoreError(c, err, "Error sending message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}
