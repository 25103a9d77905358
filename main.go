package main

import (
	"context"
	"log"
	"os"
	"time"

	"coscene/internal/api"
	"coscene/internal/config"
	"coscene/internal/editor"
	"coscene/internal/gateway"
	"coscene/internal/rendercache"
	"coscene/internal/storage"
	"coscene/internal/store"
	"coscene/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("COSCENE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("COSCENE_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// Create necessary tables: sessions, messages, scene_versions, renders
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	artifacts, err := store.New(db)
	if err != nil {
		log.Fatalf("init artifact store: %v", err)
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	sweepInterval := time.Duration(cfg.BasicConfig.SweepInterval) * time.Minute
	if sweepInterval <= 0 {
		sweepInterval = store.DefaultSweepInterval
	}
	artifacts.StartSweeper(sweepCtx, sweepInterval)

	cache, err := rendercache.New(cfg)
	if err != nil {
		// The cache is optional; readers fall back to the database.
		log.Printf("render cache disabled: %v", err)
		cache = nil
	}
	defer cache.Close()

	provider := cfg.Editor.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		log.Fatalf("provider %q not configured", provider)
	}
	chatModel, err := gateway.NewChatModel(context.Background(), provider, provCfg)
	if err != nil {
		log.Fatalf("init chat model: %v", err)
	}
	generator := gateway.NewChatGenerator(chatModel, cfg.Editor.GenerationRetries)
	verifier := gateway.NewVisionVerifier(chatModel)

	renderer, err := gateway.NewBlenderRenderer(cfg.Renderer)
	if err != nil {
		log.Fatalf("init renderer: %v", err)
	}
	if !renderer.CheckAvailable(context.Background()) {
		log.Printf("warning: blender not reachable at %s, renders will fail", cfg.Renderer.BlenderPath)
	}

	runner := editor.NewRunner(artifacts, generator, renderer, verifier, editor.Options{
		Angles:          cfg.Editor.CameraAngles,
		MaxIterations:   cfg.Editor.MaxIterations,
		PreviewTTL:      time.Duration(cfg.Editor.PreviewTTLHours) * time.Hour,
		VerificationTTL: time.Duration(cfg.Editor.VerificationTTLHours) * time.Hour,
	})

	idleTimeout := time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute
	dispatcher := worker.NewDispatcher(
		cfg.BasicConfig.MinWorkers,
		cfg.BasicConfig.MaxWorkers,
		cfg.BasicConfig.QueueSize,
		runner,
		idleTimeout,
	)

	handlers := api.NewHandler(artifacts, dispatcher, cache)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
