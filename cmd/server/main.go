package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"roomcrypt/internal/repository/device"
	redisSvc "roomcrypt/internal/service/redis"
	"roomcrypt/internal/service/server"
	"roomcrypt/internal/utils/log"
)

func main() {
	addr := flag.String("addr", "localhost:9090", "listen address")
	mongoURI := flag.String("mongo", "mongodb://localhost:27017", "mongo URI")
	redisAddr := flag.String("redis", "localhost:6379", "redis address")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	if err := log.Init(*debug); err != nil {
		panic(err)
	}
	defer log.Sync()

	mongoDBClient, err := initMongo(*mongoURI)
	if err != nil {
		log.Fatal("connect to mongo failed", zap.Error(err))
	}
	db := mongoDBClient.Database("roomcrypt")

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     *redisAddr,
		Password: "", // no password by default
		DB:       0,  // use default DB
	})
	redis := redisSvc.NewRedis(rdb)

	deviceRepo := device.NewDeviceRepo(db)
	s := server.NewHttpServer(*addr, deviceRepo, redis)
	go func() {
		if err := s.Run(); err != nil {
			log.Fatal("relay server stopped", zap.Error(err))
		}
	}()
	log.Info("relay server listening", zap.String("addr", *addr))

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
