package main

import (
	"log"

	"crm-orchestrator/internal/api"
	"crm-orchestrator/internal/automation"
	"crm-orchestrator/internal/config"
	"crm-orchestrator/internal/database"
	"crm-orchestrator/internal/event"
	"crm-orchestrator/internal/keylock"
	"crm-orchestrator/internal/messaging"
	"crm-orchestrator/internal/models"
	"crm-orchestrator/internal/session"
	"crm-orchestrator/internal/timer"
	"crm-orchestrator/internal/webhook"
	"crm-orchestrator/internal/ws"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg := config.LoadConfig()

	db, err := database.Open(cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	var bus event.Bus
	if cfg.BusURL != "" {
		natsBus, err := event.NewNATSBus(cfg.BusURL)
		if err != nil {
			log.Fatalf("Failed to connect to event bus at %s: %v", cfg.BusURL, err)
		}
		defer natsBus.Close()
		bus = natsBus
	} else {
		log.Println("BUS_URL not set, using in-process event bus")
		bus = event.NewMemoryBus()
	}

	limiter := keylock.New()
	sender := messaging.NewClient(cfg)

	// Timer fires come back in as session.timeout events so the flow handles
	// them on the same path as everything else. A failed publish keeps the
	// handle pending and the engine retries delivery.
	timers := timer.NewEngine(db, limiter, func(handle models.TimerHandle) error {
		evt := event.New(event.TypeSessionTimeout, handle.WorkspaceID)
		evt.ConversationID = handle.ConversationID
		evt.Payload["timer_id"] = handle.ID
		evt.Payload["phase"] = handle.Phase
		return bus.Publish(evt)
	})
	defer timers.Stop()

	executor := automation.NewExecutor(db, sender, bus, cfg)
	runner := automation.NewRunner(db, executor, bus, cfg)
	if err := runner.Bind(bus, limiter); err != nil {
		log.Fatalf("Failed to bind automation runner: %v", err)
	}

	sessions := session.NewManager(db)
	flow := session.NewFlow(db, sessions, timers, sender, bus, cfg)
	if err := flow.Bind(bus, limiter); err != nil {
		log.Fatalf("Failed to bind session flow: %v", err)
	}

	// Everything is subscribed; deadlines that survived a restart can fire now.
	if err := timers.Reload(); err != nil {
		log.Fatalf("Failed to reload timers: %v", err)
	}

	hub := ws.NewHub()
	go hub.Run()
	if err := hub.Bind(bus); err != nil {
		log.Fatalf("Failed to bind websocket hub: %v", err)
	}

	r := gin.Default()

	// CORS Middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	webhookHandler := webhook.NewHandler(cfg, db, bus)
	automationHandler := api.NewAutomationHandler(db, runner, cfg)
	sessionHandler := api.NewSessionHandler(sessions, timers)
	eventHandler := api.NewEventHandler(bus)

	// Webhook Routes
	r.GET("/webhook/:workspace", webhookHandler.Verify)
	r.POST("/webhook/:workspace", webhookHandler.Receive)

	r.GET("/ws", func(c *gin.Context) {
		hub.ServeWs(c.Writer, c.Request)
	})

	apiGroup := r.Group("/api/:workspace")
	{
		apiGroup.GET("/automations", automationHandler.List)
		apiGroup.GET("/automations/by-trigger", automationHandler.ByTrigger)
		apiGroup.POST("/automations", automationHandler.Create)
		apiGroup.PUT("/automations/:id", automationHandler.Update)
		apiGroup.POST("/automations/:id/toggle", automationHandler.Toggle)
		apiGroup.DELETE("/automations/:id", automationHandler.Delete)
		apiGroup.GET("/executions", automationHandler.History)

		apiGroup.GET("/sessions", sessionHandler.Active)
		apiGroup.GET("/sessions/:conversation", sessionHandler.Get)
		apiGroup.GET("/timers", sessionHandler.PendingTimers)

		apiGroup.POST("/events", eventHandler.Publish)
	}

	log.Printf("Server starting on port %s", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to run server: %v", err)
	}
}
