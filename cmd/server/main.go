package main

import (
	"log"

	"squiggy-backend/internal/config"
	"squiggy-backend/internal/database"
	"squiggy-backend/internal/server"
)

func main() {
	cfg := config.Load()

	db, err := database.Connect()
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer func() {
		if err := database.Close(db); err != nil {
			log.Printf("Database close error: %v", err)
		}
	}()
	log.Printf("Database connected successfully")

	srv := server.New(cfg, db)
	srv.SetupMiddleware()
	srv.SetupRoutes()

	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
