// cmd/kvnode is the entrypoint for one ring member.
//
// Example — found a new ring:
//
//	./kvnode --addr 127.0.0.1:7000 --data-dir /tmp/kv
//
// Example — join an existing ring:
//
//	./kvnode --addr 127.0.0.1:7001 --join 127.0.0.1:7000 --data-dir /tmp/kv
//
// The node's identifier is the hash of its advertised address, so a node
// that restarts on the same address reclaims its old position on the
// ring (and its hinted handoffs).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"chordkv/internal/debughttp"
	"chordkv/internal/node"
	"chordkv/internal/ringspace"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7000", "Listen/advertise address (host:port)")
	joinAddr := flag.String("join", "", "Address of an existing ring member to join; empty founds a new ring")
	dataDir := flag.String("data-dir", "", "Persistence root directory; empty disables persistence")
	mBits := flag.Uint("m", 6, "Identifier-space bit width")
	replicationN := flag.Int("n", 3, "Replication factor (N)")
	writeQuorum := flag.Int("w", 2, "Write quorum (W)")
	readQuorum := flag.Int("r", 2, "Read quorum (R)")
	debugAddr := flag.String("debug-addr", "", "HTTP introspection address; empty disables it")
	flag.Parse()

	nodeID := ringspace.HashAddress(*addr, *mBits)

	n, err := node.New(node.Config{
		ID:        nodeID,
		Address:   *addr,
		M:         *mBits,
		N:         *replicationN,
		R:         *readQuorum,
		W:         *writeQuorum,
		DataDir:   *dataDir,
		KnownAddr: *joinAddr,
	})
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	if err := n.ListenAndServe(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	if *joinAddr == "" {
		n.CreateRing()
	} else {
		joinCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := n.Join(joinCtx, *joinAddr); err != nil {
			log.Printf("join degraded, stabilization will repair: %v", err)
		}
		cancel()
	}

	log.Printf("node %d on %s (m=%d N=%d W=%d R=%d, consistency=%s)",
		nodeID, *addr, *mBits, *replicationN, *writeQuorum, *readQuorum,
		n.Quorum().ConsistencyLevel())

	var debugSrv *http.Server
	if *debugAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		httpLog := log.New(os.Stderr, fmt.Sprintf("[debug %d] ", nodeID), log.LstdFlags)
		handler := debughttp.NewHandler(n)
		router.Use(handler.Logger(httpLog), handler.Recovery(httpLog))
		handler.Register(router)

		debugSrv = &http.Server{
			Addr:         *debugAddr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("debug server error: %v", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down node %d", nodeID)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if debugSrv != nil {
		if err := debugSrv.Shutdown(ctx); err != nil {
			log.Printf("debug server shutdown error: %v", err)
		}
	}
	if err := n.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
