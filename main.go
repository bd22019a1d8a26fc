package main

import (
	"log"
	"net/http"
	"os"
)

func main() {
	cfg := LoadConfig()

	db, err := InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	defer db.Close()

	os.MkdirAll(cfg.ReportOutputDir, 0755)

	server := NewServer(cfg, db)

	log.Printf("Starting QA merge tool team=%s provider=%s listen=%s", cfg.TeamName, cfg.LLMProvider, cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, server.Routes()); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
