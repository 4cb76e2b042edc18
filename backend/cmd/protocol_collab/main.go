package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/config"
	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/cache"
	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/collab"
	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/httpapi/handlers"
	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/store"
	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/ws"
)

func initConfig() (*config.Config, error) {
	cfg := &config.Config{}
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	// === Redis（在线状态镜像，可缺省）===
	var presenceCache cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		presenceCache = cache.NewRedisPresence(rdb)
	} else {
		log.Printf("redis not configured, presence mirror disabled")
	}

	// === MySQL 操作归档（可缺省）===
	var archive collab.OpArchiver
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		archive = store.NewOpArchive(db)
	} else {
		log.Printf("mysql not configured, op archive disabled")
	}

	// === Kafka Producer + 调度器（可缺省）===
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("failed to connect kafka: %v", err)
		}
		defer producer.Close()

		kafkaSem := collab.NewSemaphoreControl()
		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, kafkaSem,
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			})
	} else {
		log.Printf("kafka not configured, op event stream disabled")
	}

	// === 协作引擎 ===
	registry := collab.NewSessionRegistry(cfg.Collab.RingCap)
	svc := collab.NewInMemoryService(registry, dispatcher, archive)

	hub := ws.NewHub(presenceCache)
	submitSem := collab.NewSemaphoreControl()
	manager := ws.NewManager(hub, svc, submitSem)

	// 闲置会话后台清扫
	maxIdle := time.Duration(cfg.Collab.MaxIdleMinutes) * time.Minute
	if maxIdle <= 0 {
		maxIdle = 30 * time.Minute
	}
	interval := time.Duration(cfg.Collab.CleanupIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			if n := svc.Cleanup(context.Background(), maxIdle); n > 0 {
				log.Printf("cleanup: removed %d idle sessions", n)
			}
		}
	}()

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	grp := r.Group("/collab")
	grp.GET("/ws", manager.WebSocketConnect)
	grp.GET("/sessions/:docId", handlers.SessionInfo(svc))
	grp.GET("/healthz", handlers.Health)

	_ = r.Run(fmt.Sprintf(":%d", cfg.Running.Port))
}
