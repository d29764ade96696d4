package main

import (
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mikecreed256/whatsapp-linking-service/global/config"
	"github.com/Mikecreed256/whatsapp-linking-service/logger"
	"github.com/Mikecreed256/whatsapp-linking-service/service/provider"
	"github.com/Mikecreed256/whatsapp-linking-service/service/relay"
	"github.com/Mikecreed256/whatsapp-linking-service/service/storage"
	redissrv "github.com/Mikecreed256/whatsapp-linking-service/service/storage/redis"
	"github.com/Mikecreed256/whatsapp-linking-service/tools/ids"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	ids.SetNodeID(cfg.NodeID)

	var creds storage.Credentials = storage.NewMemory()
	if cfg.Redis.Enabled {
		if err := redissrv.Init(redissrv.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}); err != nil {
			logger.Errorf("init redis: %v", err)
			os.Exit(1)
		}
		creds = storage.NewRedis(redissrv.Get(), cfg.Redis.CredTTL)
		logger.Infof("credential store: redis addr=%s", cfg.Redis.Addr)
	}

	var factory provider.Factory
	switch cfg.Provider.Mode {
	case "dev":
		hub := provider.NewScriptedHub()
		hub.PairDelay = 2 * time.Second
		factory = hub.Factory()
		logger.Warnf("provider mode=dev: using the scripted in-process client")
	default:
		logger.Errorf("unknown provider mode %q", cfg.Provider.Mode)
		os.Exit(1)
	}

	srv := relay.NewServer(cfg, factory, creds)
	srv.Start()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET(cfg.WSPath, srv.HandleWS)
	r.GET("/health", srv.HandleHealth)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Infof("status relay listening on %s (ws path %s)", addr, cfg.WSPath)
	if err := r.Run(addr); err != nil {
		logger.Errorf("http server: %v", err)
		os.Exit(1)
	}
}
