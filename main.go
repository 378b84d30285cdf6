package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Server wires the engine's collaborators to the HTTP API
type Server struct {
	store         Store
	bridge        *Bridge
	gw            *Gateway
	personalities []Personality
	fetchCache    *ContentCache
}

func main() {
	LoadConfig()

	personalities, err := LoadPersonalities(PersonalitiesFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load personalities")
	}
	logrus.WithField("count", len(personalities)).Info("Personality roster loaded")

	store := NewFileStore(DataDir)
	// A previous process may have died mid-deliberation
	if recovered, err := store.RecoverOrphanedStates(); err != nil {
		logrus.WithError(err).Fatal("Failed to recover orphaned deliberation states")
	} else if recovered > 0 {
		logrus.WithField("count", recovered).Warn("Reset orphaned active deliberations")
	}

	gw := NewGateway(OpenRouterAPIURL, OpenRouterAPIKey, GatewayConcurrency, ModelQueryTimeout,
		RetryPolicy{Attempts: RetryAttempts, BaseDelay: RetryBaseDelay})

	srv := &Server{
		store:         store,
		bridge:        NewBridge(gw, store, EventQueueSize),
		gw:            gw,
		personalities: personalities,
		fetchCache:    NewContentCache(FetchCacheTTL),
	}

	router := srv.Router()
	logrus.WithField("port", ServerPort).Info("Starting council backend")
	if err := router.Run(":" + ServerPort); err != nil {
		logrus.WithError(err).Fatal("Failed to start server")
	}
}

// Router builds the gin engine with middleware and routes
func (s *Server) Router() *gin.Engine {
	router := gin.Default()

	// Request size limit middleware
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)
		c.Next()
	})

	// CORS middleware with dynamic origin validation
	router.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			// In production, use environment-configured origins
			if len(CORSAllowedOrigins) > 0 && CORSAllowedOrigins[0] != "" {
				for _, allowedOrigin := range CORSAllowedOrigins {
					if origin == allowedOrigin {
						return true
					}
				}
				return false
			}
			// In development, allow any localhost/127.0.0.1 origin
			return len(origin) > 0 && (len(origin) >= 16 && origin[:16] == "http://localhost" ||
				len(origin) >= 14 && origin[:14] == "http://127.0.0")
		},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	router.GET("/", s.healthCheck)
	router.GET("/api/personalities", s.listPersonalities)
	router.GET("/api/conversations", s.listConversations)
	router.POST("/api/conversations", s.createConversation)
	router.GET("/api/conversations/:id", s.getConversation)
	router.POST("/api/conversations/:id/message", s.sendMessage)
	router.POST("/api/conversations/:id/message/stream", s.sendMessageStream)
	router.GET("/api/conversations/:id/stream", s.attachStream)
	router.POST("/api/fetch-url", s.fetchURL)

	return router
}

// healthCheck returns a simple health check response.
// GET / - Returns service status information.
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "Council Orchestration Engine",
	})
}

// listPersonalities returns the active personality roster.
// GET /api/personalities
func (s *Server) listPersonalities(c *gin.Context) {
	c.JSON(http.StatusOK, s.personalities)
}

// listConversations lists all conversations with metadata only.
// GET /api/conversations - Returns array of conversation metadata sorted by date.
func (s *Server) listConversations(c *gin.Context) {
	conversations, err := s.store.ListConversations()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list conversations: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, conversations)
}

// createConversation creates a new conversation.
// POST /api/conversations
func (s *Server) createConversation(c *gin.Context) {
	conversation, err := s.store.CreateConversation(uuid.New().String())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to create conversation: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, conversation)
}

// getConversation gets a specific conversation by ID.
// GET /api/conversations/:id - Returns full conversation including all messages.
func (s *Server) getConversation(c *gin.Context) {
	conversation, err := s.store.GetConversation(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	c.JSON(http.StatusOK, conversation)
}

// startDeliberation validates the conversation, records the user
// message, and spawns the background run through the bridge
func (s *Server) startDeliberation(c *gin.Context) (*Handle, bool) {
	conversationID := c.Param("id")

	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return nil, false
	}

	conversation, err := s.store.GetConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return nil, false
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return nil, false
	}

	// Snapshot the history before the new message is appended
	history := conversationHistory(conversation)
	isFirstMessage := len(conversation.Messages) == 0

	if err := s.store.AddUserMessage(conversationID, request.Content); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to add user message: %v", err),
		})
		return nil, false
	}

	strategy := request.Strategy
	if strategy == "" {
		strategy = ConsensusStrategy
	}

	handle, err := s.bridge.Start(DeliberationRequest{
		ConversationID: conversationID,
		Query:          request.Content,
		History:        history,
		Personalities:  s.personalities,
		Strategy:       strategy,
		GenerateTitle:  isFirstMessage,
	})
	if err == ErrDeliberationActive {
		c.JSON(http.StatusConflict, gin.H{"error": "A deliberation is already running for this conversation"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to start deliberation: %v", err),
		})
		return nil, false
	}
	return handle, true
}

// sendMessage runs a full deliberation and returns all stages at once.
// POST /api/conversations/:id/message
func (s *Server) sendMessage(c *gin.Context) {
	handle, ok := s.startDeliberation(c)
	if !ok {
		return
	}

	events, err := handle.Attach()
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	defer handle.Detach()

	var response SendMessageResponse
	for ev := range events {
		switch ev.Type {
		case EventStage1Complete:
			if data, ok := ev.Data.([]StageOneResult); ok {
				response.Stage1 = data
			}
		case EventStage2Complete:
			if data, ok := ev.Data.([]StageTwoResult); ok {
				response.Stage2 = data
			}
			if meta, ok := ev.Metadata.(*DeliberationMetadata); ok {
				response.Metadata = *meta
			}
		case EventStage3Complete:
			if data, ok := ev.Data.(*SynthesisResult); ok {
				response.Stage3 = *data
			}
		case EventError:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": fmt.Sprintf("Deliberation failed: %s", ev.Message),
			})
			return
		}
	}

	// Contributions travel with the persisted message, not an event
	if conv, err := s.store.GetConversation(handle.ConversationID); err == nil && conv != nil {
		for i := len(conv.Messages) - 1; i >= 0; i-- {
			if conv.Messages[i].Role == "assistant" {
				response.Contributions = conv.Messages[i].Contributions
				break
			}
		}
	}

	c.JSON(http.StatusOK, response)
}

// sendMessageStream starts a deliberation and streams its events via SSE.
// POST /api/conversations/:id/message/stream
// A client disconnect detaches the stream; the deliberation keeps
// running and persists its result.
func (s *Server) sendMessageStream(c *gin.Context) {
	handle, ok := s.startDeliberation(c)
	if !ok {
		return
	}
	s.streamEvents(c, handle)
}

// attachStream re-attaches to an in-flight deliberation's event stream.
// GET /api/conversations/:id/stream
func (s *Server) attachStream(c *gin.Context) {
	handle, ok := s.bridge.HandleFor(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No active deliberation for this conversation"})
		return
	}
	s.streamEvents(c, handle)
}

// streamEvents drains a handle's event queue into an SSE response until
// the run finishes or the client goes away
func (s *Server) streamEvents(c *gin.Context, handle *Handle) {
	events, err := handle.Attach()
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	defer handle.Detach()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			if err := sse.Encode(c.Writer, sse.Event{Data: ev}); err != nil {
				return
			}
			c.Writer.Flush()
		case <-clientGone:
			logrus.WithField("conversation", handle.ConversationID).Info("Consumer detached, deliberation continues")
			return
		}
	}
}

// fetchURL fetches and extracts content from a given URL.
// POST /api/fetch-url - Body: {"url": "https://..."}
func (s *Server) fetchURL(c *gin.Context) {
	var request struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	if content, ok := s.fetchCache.Get(request.URL); ok {
		c.JSON(http.StatusOK, gin.H{"content": content, "cached": true})
		return
	}

	content, err := FetchURLContent(context.Background(), request.URL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to fetch URL content: %v", err),
		})
		return
	}
	s.fetchCache.Set(request.URL, content)

	c.JSON(http.StatusOK, gin.H{"content": content, "cached": false})
}

// conversationHistory flattens prior messages into chat form: user
// turns verbatim, assistant turns as the chairman's final answer
func conversationHistory(conversation *Conversation) []ChatMessage {
	var history []ChatMessage
	for _, m := range conversation.Messages {
		switch m.Role {
		case "user":
			history = append(history, ChatMessage{Role: "user", Content: m.Content})
		case "assistant":
			if m.Stage3 != nil {
				history = append(history, ChatMessage{Role: "assistant", Content: m.Stage3.Response})
			}
		}
	}
	return history
}
