package main

import (
	"log"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"milestone-service/internal/chain"
	"milestone-service/internal/config"
	"milestone-service/internal/currency"
	"milestone-service/internal/handler"
	"milestone-service/internal/httpserver"
	"milestone-service/internal/mqhandler"
	"milestone-service/internal/repository"
	"milestone-service/internal/service"
	"milestone-service/internal/uploader"
	"milestone-service/pkg/db"
	"milestone-service/pkg/logger"
	"milestone-service/pkg/mq"
	"milestone-service/pkg/redis"
	"milestone-service/pkg/util"
)

func main() {
	// Load config
	cfg := config.Load()

	logger := logger.NewLogger()
	defer logger.Sync()

	// Init DB
	dbConn, err := db.NewConnection(cfg.DB, logger)
	if err != nil {
		logger.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	// Init RabbitMQ publisher for milestone lifecycle events
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatalf("failed to init publisher: %v", err)
	}
	defer publisher.Close()

	// Init Redis (rate cache second level + submission dedup)
	rdb := redis.NewRedisClient(cfg.Redis)
	defer rdb.Close()

	// Init eth client and broadcaster
	ethClient, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		logger.Fatal("eth client initialization failed", zap.Error(err))
	}
	defer ethClient.Close()

	network := chain.NewNetwork(cfg.Chain, ethClient, logger)
	broadcaster, err := chain.NewBroadcaster(cfg.Chain, ethClient, network, logger)
	if err != nil {
		logger.Fatal("broadcaster initialization failed", zap.Error(err))
	}

	// Init repositories and upstream clients
	milestoneRepo := repository.NewMilestoneRepository(dbConn, logger)
	campaignRepo := repository.NewCampaignRepository(dbConn, logger)
	rateCache := currency.NewCache(cfg.Rates.URL, rdb, logger)
	uploadClient := uploader.NewClient(cfg.Uploads.URL, logger)
	deduper := util.NewDeduper(rdb, 10*time.Minute, logger)

	// Mirror campaign events into the local table so submissions can gate on
	// the campaign's on-chain project id.
	consumer, err := mq.NewConsumer(cfg.MQ.URL, "milestone-service.campaigns", "campaign.*", logger)
	if err != nil {
		log.Fatalf("failed to init consumer: %v", err)
	}
	defer consumer.Close()
	campaignHandler := mqhandler.NewCampaignHandler(campaignRepo, deduper, logger)
	consumer.SetHandler(campaignHandler.Handle)

	go func() {
		if err := consumer.StartConsuming(); err != nil {
			logger.Fatal("consumer start failed", zap.Error(err))
		}
	}()

	// Orchestrators are single-use; the handler mints one per submission.
	deps := service.Deps{
		Store:     milestoneRepo,
		Campaigns: campaignRepo,
		Uploader:  uploadClient,
		Broadcast: broadcaster,
		Rates:     rateCache,
		Publisher: publisher,
		Linker:    network,
		Locker:    deduper,
	}
	broadcastTimeout := time.Duration(cfg.Chain.BroadcastTimeoutSec) * time.Second
	factory := func() *service.Orchestrator {
		return service.NewOrchestrator(deps, cfg.Whitelist, broadcastTimeout, logger)
	}

	// Init handlers and router
	milestoneHandler := handler.NewMilestoneHandler(factory, milestoneRepo, logger)
	router := httpserver.NewRouter(milestoneHandler, cfg.JWT.Secret, logger, dbConn, publisher)

	// Start server
	logger.Info("Starting milestone service",
		zap.String("port", cfg.Server.Port),
		zap.String("sender", broadcaster.Sender().Hex()),
	)
	if err := router.Run(cfg.Server.Port); err != nil {
		log.Fatalf("server start failed: %v", err)
	}
}
