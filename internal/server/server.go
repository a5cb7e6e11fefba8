package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sierrachart-bridge/internal/dtc"
	"sierrachart-bridge/internal/marketdata"
	"sierrachart-bridge/internal/model"
	"sierrachart-bridge/internal/scfile"
	"sierrachart-bridge/internal/trading"
	"sierrachart-bridge/pkg/ta"
)

const (
	defaultTickCount  = 100
	defaultDailyCount = 30
	defaultPeriod     = 20
	shutdownTimeout   = 5 * time.Second
)

type StatusSource interface {
	Status() model.ConnectionStatus
}

type FileSource interface {
	Symbols() []model.SymbolInfo
	ReadLastTicks(symbol string, n int) ([]model.TickData, error)
	ReadLastDailyBars(symbol string, n int) ([]model.DailyData, error)
	Analyze(symbol string) (scfile.Analysis, error)
}

type CMESource interface {
	Analyze(symbol string) (scfile.CMEAnalysis, error)
}

type CryptoSource interface {
	Analyze(symbol string) (scfile.CryptoAnalysis, error)
}

type MarketDataSource interface {
	Current(symbol, exchange string) (model.MarketDataUpdate, bool)
	Indicators(symbol, exchange string, period int) (ta.Indicators, error)
	SubscribedSymbols() []marketdata.Key
	Stats() marketdata.Stats
}

type TradingSource interface {
	ActiveOrders() []model.OrderTracker
	OrderHistory(limit int) []model.OrderTracker
	Positions() []model.PositionData
	Account() (model.TradeAccount, bool)
	Statistics() trading.Statistics
	TradingEnabled() bool
	PlaceOrder(p trading.OrderParams) (model.OrderTracker, error)
	CancelOrder(orderID string) error
	ModifyOrder(orderID string, mod trading.Modification) (model.OrderTracker, error)
	CloseAllPositions() ([]model.OrderTracker, error)
}

// Sources are the components the API reads from. A nil source answers 503.
type Sources struct {
	Status     StatusSource
	Files      FileSource
	CME        CMESource
	Crypto     CryptoSource
	MarketData MarketDataSource
	Trading    TradingSource
}

type Server struct {
	addr    string
	src     Sources
	hub     *Hub
	logger  *zap.Logger
	engine  *gin.Engine
	upgrade websocket.Upgrader
}

func New(addr string, src Sources, hub *Hub, logger *zap.Logger) *Server {
	s := &Server{
		addr:   addr,
		src:    src,
		hub:    hub,
		logger: logger.With(zap.String("component", "server")),
		engine: gin.New(),
		upgrade: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.engine.Use(gin.Recovery(), s.requestLogger(), cors())
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")
	api.GET("/status", s.getStatus)
	api.GET("/symbols", s.getSymbols)
	api.GET("/symbols/:symbol/ticks", s.getTicks)
	api.GET("/symbols/:symbol/daily", s.getDaily)
	api.GET("/symbols/:symbol/analysis", s.getAnalysis)
	api.GET("/cme/:symbol", s.getCME)
	api.GET("/crypto/:symbol", s.getCrypto)
	api.GET("/marketdata", s.getSubscriptions)
	api.GET("/marketdata/:exchange/:symbol", s.getMarketData)
	api.GET("/marketdata/:exchange/:symbol/indicators", s.getIndicators)
	api.GET("/orders", s.getOrders)
	api.POST("/orders", s.placeOrder)
	api.PATCH("/orders/:id", s.modifyOrder)
	api.DELETE("/orders/:id", s.cancelOrder)
	api.GET("/positions", s.getPositions)
	api.POST("/positions/close", s.closePositions)
	api.GET("/account", s.getAccount)

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/ws", s.handleWebSocket)
}

// Run serves until ctx ends and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.engine}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	if err := <-errc; err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server")
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not available"})
}

// fail maps component errors onto status codes.
func fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	var verr *trading.ValidationError
	switch {
	case errors.As(err, &verr):
		code = http.StatusBadRequest
	case errors.Is(err, scfile.ErrUnknownSymbol),
		errors.Is(err, scfile.ErrNoData),
		errors.Is(err, marketdata.ErrNoHistory),
		errors.Is(err, trading.ErrUnknownOrder):
		code = http.StatusNotFound
	case errors.Is(err, trading.ErrRiskRejected):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, trading.ErrTradingDisabled),
		errors.Is(err, trading.ErrOrderTerminal),
		errors.Is(err, trading.ErrNotModifiable):
		code = http.StatusConflict
	case errors.Is(err, trading.ErrNotReady),
		errors.Is(err, dtc.ErrNotConnected):
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// positiveQuery reads a positive integer query parameter.
func positiveQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return n, true
}

func (s *Server) getStatus(c *gin.Context) {
	resp := gin.H{}
	if s.src.Status != nil {
		resp["connection"] = s.src.Status.Status()
	}
	if s.src.Files != nil {
		resp["symbols"] = len(s.src.Files.Symbols())
	}
	if s.src.MarketData != nil {
		resp["marketData"] = s.src.MarketData.Stats()
	}
	if s.src.Trading != nil {
		resp["tradingEnabled"] = s.src.Trading.TradingEnabled()
		resp["trading"] = s.src.Trading.Statistics()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getSymbols(c *gin.Context) {
	if s.src.Files == nil {
		unavailable(c, "file data")
		return
	}
	c.JSON(http.StatusOK, s.src.Files.Symbols())
}

func (s *Server) getTicks(c *gin.Context) {
	if s.src.Files == nil {
		unavailable(c, "file data")
		return
	}
	n, ok := positiveQuery(c, "count", defaultTickCount)
	if !ok {
		return
	}
	ticks, err := s.src.Files.ReadLastTicks(c.Param("symbol"), n)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ticks)
}

func (s *Server) getDaily(c *gin.Context) {
	if s.src.Files == nil {
		unavailable(c, "file data")
		return
	}
	n, ok := positiveQuery(c, "count", defaultDailyCount)
	if !ok {
		return
	}
	bars, err := s.src.Files.ReadLastDailyBars(c.Param("symbol"), n)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bars)
}

func (s *Server) getAnalysis(c *gin.Context) {
	if s.src.Files == nil {
		unavailable(c, "file data")
		return
	}
	a, err := s.src.Files.Analyze(c.Param("symbol"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// getCME classifies any symbol; the analysis is attached when the contract
// has data on disk.
func (s *Server) getCME(c *gin.Context) {
	symbol := c.Param("symbol")
	spec, ok := scfile.ClassifyCME(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": symbol + " is not a CME contract"})
		return
	}
	resp := gin.H{"contract": spec}
	if s.src.CME != nil {
		if a, err := s.src.CME.Analyze(symbol); err == nil {
			resp["analysis"] = a
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getCrypto(c *gin.Context) {
	symbol := c.Param("symbol")
	spec, ok := scfile.ClassifyCrypto(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": symbol + " is not a crypto symbol"})
		return
	}
	resp := gin.H{"spec": spec}
	if s.src.Crypto != nil {
		if a, err := s.src.Crypto.Analyze(symbol); err == nil {
			resp["analysis"] = a
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getSubscriptions(c *gin.Context) {
	if s.src.MarketData == nil {
		unavailable(c, "market data")
		return
	}
	c.JSON(http.StatusOK, s.src.MarketData.SubscribedSymbols())
}

func (s *Server) getMarketData(c *gin.Context) {
	if s.src.MarketData == nil {
		unavailable(c, "market data")
		return
	}
	u, ok := s.src.MarketData.Current(c.Param("symbol"), c.Param("exchange"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no market data for " + c.Param("symbol")})
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) getIndicators(c *gin.Context) {
	if s.src.MarketData == nil {
		unavailable(c, "market data")
		return
	}
	period, ok := positiveQuery(c, "period", defaultPeriod)
	if !ok {
		return
	}
	ind, err := s.src.MarketData.Indicators(c.Param("symbol"), c.Param("exchange"), period)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ind)
}

func (s *Server) getOrders(c *gin.Context) {
	if s.src.Trading == nil {
		unavailable(c, "trading")
		return
	}
	if strings.EqualFold(c.Query("history"), "true") {
		limit, ok := positiveQuery(c, "limit", 100)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, s.src.Trading.OrderHistory(limit))
		return
	}
	c.JSON(http.StatusOK, s.src.Trading.ActiveOrders())
}

func (s *Server) placeOrder(c *gin.Context) {
	if s.src.Trading == nil {
		unavailable(c, "trading")
		return
	}
	var p trading.OrderParams
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tr, err := s.src.Trading.PlaceOrder(p)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, tr)
}

func (s *Server) modifyOrder(c *gin.Context) {
	if s.src.Trading == nil {
		unavailable(c, "trading")
		return
	}
	var mod trading.Modification
	if err := c.ShouldBindJSON(&mod); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tr, err := s.src.Trading.ModifyOrder(c.Param("id"), mod)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, tr)
}

func (s *Server) cancelOrder(c *gin.Context) {
	if s.src.Trading == nil {
		unavailable(c, "trading")
		return
	}
	if err := s.src.Trading.CancelOrder(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// closePositions reports the orders that went out even when some closes
// failed.
func (s *Server) closePositions(c *gin.Context) {
	if s.src.Trading == nil {
		unavailable(c, "trading")
		return
	}
	placed, err := s.src.Trading.CloseAllPositions()
	if err != nil {
		c.JSON(http.StatusMultiStatus, gin.H{"orders": placed, "error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"orders": placed})
}

func (s *Server) getPositions(c *gin.Context) {
	if s.src.Trading == nil {
		unavailable(c, "trading")
		return
	}
	c.JSON(http.StatusOK, s.src.Trading.Positions())
}

func (s *Server) getAccount(c *gin.Context) {
	if s.src.Trading == nil {
		unavailable(c, "trading")
		return
	}
	acct, ok := s.src.Trading.Account()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not loaded"})
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrade.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Info("Websocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{
		hub:    s.hub,
		conn:   conn,
		send:   make(chan []byte, 64),
		logger: s.logger,
	}
	if !s.hub.join(client) {
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}
