package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/docdbgo/docdb/internal/keyspace"
	"github.com/docdbgo/docdb/internal/kvengine"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	dir := flag.String("dir", "", "path to the docdb data directory")
	list := flag.Bool("list", false, "list allocated keyspaces instead of compacting")
	flag.Parse()

	if *dir == "" {
		fmt.Println("Usage: ./docdb-compact -dir=<path> [-list]")
		os.Exit(1)
	}

	log := buildLogger()
	log = log.Named("main")

	opts := kvengine.DefaultOptions()
	opts.Logger = log
	eng, err := kvengine.Open(*dir, opts)
	if err != nil {
		log.Fatal("open failed", zap.String("dir", *dir), zap.Error(err))
	}
	defer eng.Close()

	ks := keyspace.Open(eng)

	if *list {
		entries, err := ks.List()
		if err != nil {
			log.Fatal("list failed", zap.Error(err))
		}
		for _, e := range entries {
			size, err := ks.ApproximateSize(e.Kid)
			if err != nil {
				log.Fatal("size failed", zap.Uint8("kid", e.Kid), zap.Error(err))
			}
			log.Info("keyspace",
				zap.Uint8("kid", e.Kid),
				zap.Uint8("class", e.Class),
				zap.String("name", e.Name),
				zap.Uint64("approxSize", size),
			)
		}
		return
	}

	if err := eng.CompactRange(nil, nil); err != nil {
		log.Fatal("compact failed", zap.Error(err))
	}
	log.Info("compaction complete", zap.String("dir", *dir))
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	return zap.Must(logConfig.Build())
}
