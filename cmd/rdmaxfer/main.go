package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	rdmaxfer "github.com/ashwch/rdmaxfer"
	"github.com/ashwch/rdmaxfer/internal/logging"
)

func main() {
	var (
		mode      = flag.String("mode", "", "server or client")
		bind      = flag.String("bind", "0.0.0.0:18515", "server: address to listen on")
		connect   = flag.String("connect", "", "client: server address to connect to")
		local     = flag.String("local", "0.0.0.0:0", "client: local address to bind")
		gpu       = flag.Int("gpu", 0, "GPU ordinal")
		sizeStr   = flag.String("size", "1M", "size of each exported buffer (e.g. 1M, 64K)")
		numBufs   = flag.Int("buffers", 1, "number of buffers to export")
		verbose   = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid size %q: %v", *sizeStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	bufferSizes := make([]uint64, *numBufs)
	for i := range bufferSizes {
		bufferSizes[i] = size
	}

	switch *mode {
	case "server":
		runServer(*bind, *gpu, bufferSizes, logger)
	case "client":
		if *connect == "" {
			log.Fatal("-connect is required in client mode")
		}
		runClient(*local, *connect, *gpu, bufferSizes, logger)
	default:
		log.Fatalf("unknown -mode %q: want server or client", *mode)
	}
}

func runServer(bind string, gpu int, bufferSizes []uint64, logger *logging.Logger) {
	srv, err := rdmaxfer.NewServer(bind, gpu, bufferSizes, nil)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		if err := srv.Shutdown(); err != nil {
			logger.Error("error shutting down server", "error", err)
		}
		os.Exit(0)
	}()

	logger.Info("listening", "bind", bind, "buffers", len(bufferSizes))
	fmt.Printf("Listening on %s, exporting %d buffer(s)\nPress Ctrl+C to stop...\n", bind, len(bufferSizes))

	if err := srv.Listen(); err != nil {
		logger.Error("listen failed", "error", err)
		os.Exit(1)
	}

	logger.Info("connection established")
	for {
		time.Sleep(time.Second)
		snap := srv.MetricsSnapshot()
		logger.Debug("metrics", "writes", snap.WriteOps, "reads", snap.ReadOps)
	}
}

func runClient(local, remote string, gpu int, bufferSizes []uint64, logger *logging.Logger) {
	cli, err := rdmaxfer.NewClient(local, gpu, bufferSizes, nil)
	if err != nil {
		logger.Error("failed to create client", "error", err)
		os.Exit(1)
	}
	defer cli.Shutdown()

	logger.Info("connecting", "remote", remote)
	peerBlocks, err := cli.Connect(remote)
	if err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected", "peer_buffers", len(peerBlocks))
	fmt.Printf("Connected to %s, peer exports %d buffer(s)\n", remote, len(peerBlocks))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("received shutdown signal")
}

func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	multiplier := uint64(1)
	switch {
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "K")
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}
