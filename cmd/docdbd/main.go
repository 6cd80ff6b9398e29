package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/docdbgo/docdb/internal/docdb"
	"github.com/docdbgo/docdb/internal/httpmw"
	"github.com/docdbgo/docdb/internal/inspector"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	dir := flag.String("dir", "", "path to the docdb data directory")
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	if *dir == "" {
		fmt.Println("Usage: ./docdbd -dir=<path> [-addr=:8080]")
		os.Exit(1)
	}

	log := buildLogger()
	log = log.Named("main")

	db, err := docdb.Open(*dir, docdb.Options{Logger: log})
	if err != nil {
		log.Fatal("docdb open failed", zap.String("dir", *dir), zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("docdb close failed", zap.Error(err))
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	_ = r.SetTrustedProxies([]string{"127.0.0.1"})

	r.Use(gin.Recovery()) // Recovery first (outermost)

	if os.Getenv("ENV") == "dev" {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173"},
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Authorization"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(httpmw.ZapLogger(log))
	r.Use(httpmw.RequestID())

	ins := inspector.New(db.Engine, db.Keyspace, log)
	ins.Register(r)

	log.Info("docdbd listening", zap.String("addr", *addr), zap.String("dir", *dir))
	if err := r.Run(*addr); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	return zap.Must(logConfig.Build())
}
