// Package api provides the REST API server.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kaspool/kaspool/internal/config"
	"github.com/kaspool/kaspool/internal/rpc"
	"github.com/kaspool/kaspool/internal/store"
	"github.com/kaspool/kaspool/internal/stratum"
	"github.com/kaspool/kaspool/internal/template"
	"github.com/kaspool/kaspool/internal/util"
)

// statsCacheTTL bounds how often /api/stats hits the node.
const statsCacheTTL = 10 * time.Second

// Payouts is the subset of the orchestrator the admin routes use.
type Payouts interface {
	ForcePayout(ctx context.Context, addr string) error
	ForcePayoutAll(ctx context.Context) error
}

// Server is the API server.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	stratum   *stratum.Server
	templates *template.Manager
	node      *rpc.Client
	payouts   Payouts

	router *gin.Engine
	server *http.Server

	statsCacheMu   sync.RWMutex
	statsCache     *StatsResponse
	statsCacheTime time.Time
}

// StatsResponse is the /api/stats response.
type StatsResponse struct {
	Pool    PoolStats    `json:"pool"`
	Network NetworkStats `json:"network"`
	Now     int64        `json:"now"`
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Sessions    int     `json:"sessions"`
	Miners      int     `json:"miners"`
	BlocksFound int     `json:"blocks_found"`
	JobWindow   int     `json:"job_window"`
	Fee         float64 `json:"fee"`
}

// NetworkStats contains network statistics.
type NetworkStats struct {
	NetworkName     string `json:"network"`
	BlockCount      uint64 `json:"block_count"`
	VirtualDAAScore uint64 `json:"virtual_daa_score"`
}

// MinerResponse is the /api/miners/:address response.
type MinerResponse struct {
	Address          string          `json:"address"`
	Balance          store.Sompi     `json:"balance"`
	PaymentThreshold store.Sompi     `json:"payment_threshold,omitempty"`
	PaymentInterval  float64         `json:"payment_interval_hours,omitempty"`
	LastPayoutTime   int64           `json:"last_payout_time,omitempty"`
	BlocksFound      uint64          `json:"blocks_found"`
	Blocks           []store.Block   `json:"blocks"`
	Payments         []store.Payment `json:"payments"`
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, st *store.Store, sv *stratum.Server, tm *template.Manager, node *rpc.Client, payouts Payouts) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:       cfg,
		store:     st,
		stratum:   sv,
		templates: tm,
		node:      node,
		payouts:   payouts,
		router:    router,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	api := s.router.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/blocks", s.handleBlocks)
		api.GET("/payments", s.handlePayments)
		api.GET("/miners/:address", s.handleMiner)
		api.GET("/miners/:address/payments", s.handleMinerPayments)
	}

	if s.cfg.API.AdminToken != "" {
		admin := s.router.Group("/api/admin")
		admin.Use(s.adminAuthMiddleware())
		{
			admin.POST("/payout", s.handleForcePayout)
		}
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}

// Start begins the API server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    ":" + strconv.Itoa(s.cfg.API.Port),
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.server.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// handleStats returns pool and network statistics.
func (s *Server) handleStats(c *gin.Context) {
	s.statsCacheMu.RLock()
	if s.statsCache != nil && time.Since(s.statsCacheTime) < statsCacheTTL {
		cache := s.statsCache
		s.statsCacheMu.RUnlock()
		c.JSON(200, cache)
		return
	}
	s.statsCacheMu.RUnlock()

	blocks, err := s.store.GetBlocks(0)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get blocks"})
		return
	}

	response := &StatsResponse{
		Pool: PoolStats{
			Sessions:    s.stratum.SessionCount(),
			Miners:      s.stratum.WorkerCount(),
			BlocksFound: len(blocks),
			JobWindow:   s.templates.WindowSize(),
			Fee:         s.cfg.Treasury.Fee,
		},
		Now: time.Now().Unix(),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if info, err := s.node.GetBlockDAGInfo(ctx); err != nil {
		util.Warnf("Stats: DAG info failed: %v", err)
	} else {
		response.Network = NetworkStats{
			NetworkName:     info.NetworkName,
			BlockCount:      info.BlockCount,
			VirtualDAAScore: info.VirtualDAAScore,
		}
	}

	s.statsCacheMu.Lock()
	s.statsCache = response
	s.statsCacheTime = time.Now()
	s.statsCacheMu.Unlock()

	c.JSON(200, response)
}

// handleBlocks returns recent blocks, newest first.
func (s *Server) handleBlocks(c *gin.Context) {
	blocks, err := s.store.GetBlocks(50)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get blocks"})
		return
	}
	for i := range blocks {
		blocks[i].Finder = util.ExternalAddress(blocks[i].Finder, s.cfg.Stratum.AddressPrefix())
	}
	c.JSON(200, gin.H{"blocks": blocks})
}

// handlePayments returns recent payments, newest first.
func (s *Server) handlePayments(c *gin.Context) {
	payments, err := s.store.GetPayments(100)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get payments"})
		return
	}
	for i := range payments {
		payments[i].Address = util.ExternalAddress(payments[i].Address, s.cfg.Stratum.AddressPrefix())
	}
	c.JSON(200, gin.H{"payments": payments})
}

// handleMiner returns one miner's account, blocks and payments.
func (s *Server) handleMiner(c *gin.Context) {
	address := c.Param("address")
	if !util.ValidateAddress(address, s.cfg.Stratum.AddressPrefix()) {
		c.JSON(400, gin.H{"error": "Invalid address"})
		return
	}
	canonical := util.CanonicalAddress(address)

	miner, err := s.store.GetMiner(canonical)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get miner"})
		return
	}
	blocks, _ := s.store.GetBlocksByAddress(canonical, 20)
	payments, _ := s.store.GetPaymentsByAddress(canonical, 20)

	prefix := s.cfg.Stratum.AddressPrefix()
	for i := range blocks {
		blocks[i].Finder = util.ExternalAddress(blocks[i].Finder, prefix)
	}
	for i := range payments {
		payments[i].Address = util.ExternalAddress(payments[i].Address, prefix)
	}

	c.JSON(200, MinerResponse{
		Address:          util.ExternalAddress(canonical, prefix),
		Balance:          miner.Balance,
		PaymentThreshold: miner.PaymentThreshold,
		PaymentInterval:  miner.PaymentInterval,
		LastPayoutTime:   miner.LastPayoutTime,
		BlocksFound:      miner.BlocksFound,
		Blocks:           blocks,
		Payments:         payments,
	})
}

// handleMinerPayments returns payment history for a miner.
func (s *Server) handleMinerPayments(c *gin.Context) {
	address := c.Param("address")
	if !util.ValidateAddress(address, s.cfg.Stratum.AddressPrefix()) {
		c.JSON(400, gin.H{"error": "Invalid address"})
		return
	}

	payments, err := s.store.GetPaymentsByAddress(util.CanonicalAddress(address), 100)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get payments"})
		return
	}
	for i := range payments {
		payments[i].Address = util.ExternalAddress(payments[i].Address, s.cfg.Stratum.AddressPrefix())
	}
	c.JSON(200, gin.H{"payments": payments})
}

// adminAuthMiddleware validates the admin bearer token.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(401, gin.H{"error": "Authorization required"})
			c.Abort()
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token != s.cfg.API.AdminToken {
			c.JSON(403, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// PayoutRequest is the force-payout request body. An empty address
// means pay every positive balance.
type PayoutRequest struct {
	Address string `json:"address"`
}

// handleForcePayout triggers an immediate payout, bypassing the
// threshold and interval gates.
func (s *Server) handleForcePayout(c *gin.Context) {
	var req PayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if req.Address == "" {
		if err := s.payouts.ForcePayoutAll(ctx); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		util.Info("Admin: forced payout of all balances")
		c.JSON(200, gin.H{"status": "ok"})
		return
	}

	if !util.ValidateAddress(req.Address, s.cfg.Stratum.AddressPrefix()) {
		c.JSON(400, gin.H{"error": "Invalid address"})
		return
	}
	canonical := util.CanonicalAddress(req.Address)
	if err := s.payouts.ForcePayout(ctx, canonical); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	util.Infof("Admin: forced payout for %s", canonical)
	c.JSON(200, gin.H{"status": "ok", "address": req.Address})
}
