// cmd/homeduinod/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"homeduino-service/internal/handler"
	"homeduino-service/internal/routes"
	"homeduino-service/internal/utils"
	"homeduino-service/pkg/homeduino"
)

// Application represents the main application
type Application struct {
	config   *homeduino.Config
	logger   *zap.Logger
	server   *http.Server
	client   *homeduino.Client
	eventBus *handler.EventBus
}

func main() {
	// Initialize application
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	// Start the application
	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	// Load configuration
	cfg, err := homeduino.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Create service logger
	serviceLogger := utils.NewServiceLogger(logger, "homeduino-service")
	serviceLogger.LogServiceStart(cfg.App.Version)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	// Initialize components
	if err := app.initializeGateway(); err != nil {
		return nil, fmt.Errorf("failed to initialize gateway: %w", err)
	}

	if err := app.initializeServer(); err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return app, nil
}

// initializeGateway creates the event bus and the gateway client and
// bridges gateway events into the bus
func (app *Application) initializeGateway() error {
	app.eventBus = handler.NewEventBus(app.logger)
	app.eventBus.Start()

	app.client = homeduino.New(app.config, app.logger)
	codec := app.client.Codec()

	// Forward connection lifecycle events to websocket subscribers
	app.client.SetEventSink(func(eventType string, data map[string]any) {
		app.eventBus.Publish(eventType, "gateway", data)
	})

	// Forward every decoded RF packet to websocket subscribers
	for _, protocol := range codec.Protocols() {
		app.client.AddRFReceiveCallback(protocol, func(match homeduino.Match) {
			app.eventBus.Publish(handler.EventRFReceive, "gateway", map[string]interface{}{
				"protocol": match.Protocol,
				"values":   match.Values,
			})
		})
	}

	app.logger.Info("Gateway client initialized",
		zap.String("port", app.config.Serial.Port),
		zap.Int("baud_rate", app.config.Serial.BaudRate),
		zap.Strings("protocols", codec.Protocols()),
	)
	return nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	if !app.config.Server.Enabled {
		app.logger.Info("HTTP server disabled")
		return nil
	}

	// Create router
	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.client,
		app.eventBus,
	)

	// Setup router with all routes
	router := routerManager.SetupRouter()

	// Create HTTP server
	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
	)

	return nil
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	// Create channel to receive OS signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for signal
	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// Perform graceful shutdown
	app.shutdown()
}

// shutdown performs graceful shutdown
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "homeduino-service")
	serviceLogger.LogServiceStop("shutdown signal received")

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if app.server != nil {
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("HTTP server shutdown error", zap.Error(err))
		} else {
			app.logger.Info("HTTP server stopped")
		}
	}

	// Disconnect from the gateway
	if err := app.client.Disconnect(ctx); err != nil {
		app.logger.Error("Gateway disconnect error", zap.Error(err))
	} else {
		app.logger.Info("Gateway disconnected")
	}

	// Stop the event bus
	app.eventBus.Stop()

	// Flush logger
	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}

	app.logger.Info("Application shutdown completed")
}

func (app *Application) Start() error {
	// Connect to the gateway before serving traffic. The window covers
	// the ready wait plus the fallback ping probe.
	ctx, cancel := context.WithTimeout(context.Background(),
		app.config.Gateway.ReadyTimeout+app.config.Gateway.ResponseTimeout)
	connected, err := app.client.Connect(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}
	if !connected {
		return fmt.Errorf("gateway did not come up on %s", app.config.Serial.Port)
	}

	// Start server in goroutine
	if app.server != nil {
		go func() {
			app.logger.Info("Starting HTTP server",
				zap.String("address", app.server.Addr),
			)

			if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
			}
		}()
	}

	// Wait for interrupt signal
	app.waitForShutdown()

	return nil
}
