package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/termgate/termgate/internal/auth"
	"github.com/termgate/termgate/internal/authz"
	"github.com/termgate/termgate/internal/bootstrap"
	"github.com/termgate/termgate/internal/config"
	"github.com/termgate/termgate/internal/database"
	"github.com/termgate/termgate/internal/handlers"
	"github.com/termgate/termgate/internal/logging"
	"github.com/termgate/termgate/internal/middleware"
	"github.com/termgate/termgate/internal/registry"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-admin":
			runCLICommand("create-admin")
			return
		case "--reset-password":
			runCLICommand("reset-password")
			return
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	if config.Cfg.BootstrapFile != "" {
		if err := bootstrap.Apply(config.Cfg.BootstrapFile); err != nil {
			log.Fatalf("Bootstrap: %v", err)
		}
	}

	// Authorization index over the membership store
	index := authz.NewIndex()
	if err := index.Rebuild(); err != nil {
		log.Fatalf("Authorization index: %v", err)
	}
	handlers.Authz = index

	// Connection registry for live terminal sessions
	reg := registry.New(index)
	handlers.Registry = reg

	// Login session store
	sessionStore := auth.NewSessionStore()
	handlers.SessionStore = sessionStore

	// Periodic cleanup of expired login sessions
	jobs := cron.New()
	if _, err := jobs.AddFunc("@every 10m", sessionStore.Cleanup); err != nil {
		log.Fatalf("Schedule session cleanup: %v", err)
	}
	jobs.Start()
	defer jobs.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	r.Post("/auth/login", handlers.Login)
	r.Delete("/auth/logout", handlers.Logout)

	// Authenticated surface
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(sessionStore))

		r.Get("/auth/validate", handlers.Validate)
		r.Get("/auth/me", handlers.GetCurrentUser)
		r.Get("/servers", handlers.ListMyServers)

		// Terminal WebSocket, one per target server
		r.Get("/ws/ssh/{serverId}", handlers.TerminalWS)

		// Admin surface
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)

			r.Get("/admin/tables", handlers.Tables)

			r.Post("/admin/users", handlers.CreateUser)
			r.Delete("/admin/users/{id}", handlers.DeleteUser)
			r.Put("/admin/users/{id}/group", handlers.SetUserGroup)

			r.Post("/admin/groups", handlers.CreateGroup)
			r.Delete("/admin/groups/{id}", handlers.DeleteGroup)

			r.Post("/admin/servers", handlers.CreateServer)
			r.Delete("/admin/servers/{id}", handlers.DeleteServer)

			r.Post("/admin/links", handlers.CreateLink)
			r.Delete("/admin/links", handlers.DeleteLink)

			r.Get("/admin/sessions", handlers.ListSessions)
			r.Delete("/admin/sessions/{sessionId}", handlers.CloseSession)
		})
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	// Force-close live terminal sessions so their bridges unblock
	reg.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: termgate --%s --username <user> --password <pass>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	switch command {
	case "create-admin":
		user := &database.User{
			Username:     *username,
			PasswordHash: hash,
			Role:         "admin",
		}
		if err := database.CreateUser(user); err != nil {
			log.Fatalf("Failed to create admin: %v", err)
		}
		fmt.Printf("Admin user '%s' created successfully.\n", *username)

	case "reset-password":
		user, err := database.GetUserByUsername(*username)
		if err != nil {
			log.Fatalf("User '%s' not found", *username)
		}
		if err := database.DB.Model(user).Update("password_hash", hash).Error; err != nil {
			log.Fatalf("Failed to update password: %v", err)
		}
		fmt.Printf("Password reset for '%s'.\n", *username)
	}
}
