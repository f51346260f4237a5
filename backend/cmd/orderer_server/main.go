package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"ordererServer/backend/internal/auth"
	"ordererServer/backend/internal/fanout"
	"ordererServer/backend/internal/orderer"
	"ordererServer/backend/internal/protocol"
	"ordererServer/backend/internal/reservation"
	"ordererServer/backend/internal/store"
	"ordererServer/backend/internal/ws"
)

type OrdererConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Node struct {
		ID           string `mapstructure:"id"`
		LeaseTTLSecs int    `mapstructure:"leaseTTLSecs"`
	} `mapstructure:"Node"`
	Tenants map[string]string `mapstructure:"Tenants"` // tenantId -> HMAC key
}

func initConfig() (*OrdererConfig, error) {
	cfg := &OrdererConfig{}
	v := viper.New()
	v.SetConfigName("ordererConfig")
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

	nodeID := cfg.Node.ID
	if nodeID == "" {
		host, _ := os.Hostname()
		nodeID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	leaseTTL := time.Duration(cfg.Node.LeaseTTLSecs) * time.Second
	if leaseTTL <= 0 {
		leaseTTL = 60 * time.Second
	}

	ctx := context.Background()

	// 持久化集合：配了 MySQL 用 MySQL，否则单机内存模式
	var (
		deltas    store.DeltaCollection   = store.NewMemoryDeltaCollection()
		contents  store.ContentCollection = store.NewMemoryContentCollection()
		documents store.DocumentCollection = store.NewMemoryDocumentCollection()
	)
	if cfg.Mysql.DSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		deltas = store.NewMySQLDeltaCollection(db)
		contents = store.NewMySQLContentCollection(db)
		documents = store.NewMySQLDocumentCollection(db)
	}

	// redis：多节点时承载租约与节点心跳
	var reserver orderer.Reserver
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()

		nodeManager := reservation.NewNodeManager(rdb, nodeID, leaseTTL)
		if err := nodeManager.Register(ctx); err != nil {
			log.Fatalf("node register failed: %v", err)
		}
		nodeManager.StartHeartbeat(ctx)
		reserver = reservation.NewRedisManager(rdb)
	}

	hub := ws.NewHub()

	// kafka：跨节点转发定序结果
	var dispatcher orderer.OpDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		kafkaSem := fanout.NewSemaphoreControl()
		dispatcher = fanout.NewDispatcher(
			producer,
			cfg.Kafka.Topic,
			nodeID,
			kafkaSem,
			fanout.DispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)

		consumer, err := fanout.NewConsumer(cfg.Kafka.Brokers, "orderer-fanout-"+nodeID, cfg.Kafka.Topic, nodeID, hub)
		if err != nil {
			log.Fatalf("Failed to start kafka consumer: %v", err)
		}
		defer consumer.Close()
		consumer.Start(ctx)
	}

	manager := orderer.NewManager(deltas, documents, hub, dispatcher, orderer.ManagerOptions{
		Reserver:       reserver,
		NodeID:         nodeID,
		LeaseTTL:       leaseTTL,
		MaxMessageSize: 16 * 1024,
		ServiceConfig: protocol.ServiceConfiguration{
			BlockSize:      64436,
			MaxMessageSize: 16 * 1024,
			Summary: protocol.SummaryConfiguration{
				IdleTime: 5000,
				MaxOps:   1000,
				MaxTime:  5000 * 12,
			},
		},
	})
	defer manager.Close()
	manager.StartLeaseRenewal(ctx, leaseTTL/3)

	validator := auth.NewValidator(auth.NewHMACTenantManager(cfg.Tenants))
	gateway := ws.NewGateway(hub, validator, manager, contents, fanout.NewSemaphoreControl())

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	// 路由
	collab := r.Group("/collab")
	collab.GET("/ws", gateway.WebSocketConnect)
	collab.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
			"pending": manager.HasPendingWork(),
		})
	})

	port := cfg.Running.Port
	log.Printf("orderer server node=%s listening on :%d", nodeID, port)
	_ = r.Run(fmt.Sprintf(":%d", port))
}
