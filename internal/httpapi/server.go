package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/fairdraw/pkg/draw"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fairdraw_http_request_duration_seconds",
		Help:    "Request latency by route",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "route"})

	entriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fairdraw_entries_total",
		Help: "Entry submissions by outcome",
	}, []string{"outcome"})

	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fairdraw_settlements_total",
		Help: "Settlement attempts by outcome",
	}, []string{"outcome"})
)

// Run boots the HTTP facade over the draw service.
func Run(ctx context.Context, cfg Config, service *draw.Service, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("httpapi listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(withRequestTimeout(cfg.RequestTimeout))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public audit surface: no authentication by design.
	router.GET("/verify", handler.handleVerify)
	router.GET("/periods/current", handler.handleCurrentPeriod)
	router.GET("/periods/:id", handler.handleGetPeriod)

	api := router.Group("/api")
	api.Use(authMiddleware([]byte(cfg.TokenSigningKey), cfg.TokenIssuer))

	api.POST("/entries", handler.handleSubmitEntry)
	api.GET("/balance", handler.handleBalance)
	api.GET("/ledger", handler.handleLedger)
	api.POST("/deposits", handler.handleDeposit)
	api.POST("/withdrawals", handler.handleWithdrawal)

	admin := api.Group("/admin")
	admin.Use(requireRole(roleAdmin))
	admin.POST("/settle", handler.handleSettle)
	admin.POST("/periods", handler.handleOpenPeriod)

	return router
}

// withRequestTimeout puts a deadline on every request context. Store lock
// waits inherit it, so a request stuck behind a long transaction surfaces a
// lock_timeout instead of hanging.
func withRequestTimeout(timeout time.Duration) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), timeout)
		defer cancel()
		ctx.Request = ctx.Request.WithContext(requestCtx)
		ctx.Next()
	}
}

type httpHandler struct {
	logger  *zap.Logger
	service *draw.Service
	cfg     Config
}

func (handler *httpHandler) handleVerify(ctx *gin.Context) {
	secret := ctx.Query("secret")
	commitment := ctx.Query("commitment")
	entryCount, err := strconv.ParseInt(ctx.DefaultQuery("entry_count", "0"), 10, 64)
	if err != nil || entryCount <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_entry_count", "entry_count must be a positive integer"))
		return
	}
	commitmentOK := draw.VerifyCommitment(secret, commitment)
	winningIndex, err := draw.SelectWinner(secret, entryCount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(draw.ReasonCode(err), err.Error()))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"commitment_ok": commitmentOK,
		"winning_index": winningIndex,
	})
}

func (handler *httpHandler) handleCurrentPeriod(ctx *gin.Context) {
	period, err := handler.service.CurrentPeriod(ctx.Request.Context())
	if err != nil {
		handler.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, periodResponse(period))
}

func (handler *httpHandler) handleGetPeriod(ctx *gin.Context) {
	period, err := handler.service.GetPeriod(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		handler.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, periodResponse(period))
}

func (handler *httpHandler) handleSubmitEntry(ctx *gin.Context) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/api/entries"))
	defer timer.ObserveDuration()

	participantID, ok := handler.participantFromClaims(ctx)
	if !ok {
		return
	}
	receipt, err := handler.service.SubmitEntry(ctx.Request.Context(), participantID)
	if err != nil {
		entriesTotal.WithLabelValues(draw.ReasonCode(err)).Inc()
		handler.renderError(ctx, err)
		return
	}
	entriesTotal.WithLabelValues("ok").Inc()
	ctx.JSON(http.StatusCreated, gin.H{
		"entry_id":    receipt.Entry.EntryID,
		"period_id":   receipt.Entry.PeriodID,
		"position":    receipt.Entry.Position,
		"seal":        receipt.Entry.Seal,
		"pool_cents":  receipt.PoolCents,
		"entry_count": receipt.EntryCount,
	})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	participantID, ok := handler.participantFromClaims(ctx)
	if !ok {
		return
	}
	balance, err := handler.service.Balance(ctx.Request.Context(), participantID)
	if err != nil {
		handler.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"available_cents": balance.AvailableCents.Int64(),
		"held_cents":      balance.HeldCents.Int64(),
	})
}

func (handler *httpHandler) handleLedger(ctx *gin.Context) {
	participantID, ok := handler.participantFromClaims(ctx)
	if !ok {
		return
	}
	before, _ := strconv.ParseInt(ctx.DefaultQuery("before", "0"), 10, 64)
	records, err := handler.service.ListLedgerRecords(ctx.Request.Context(), participantID, before, handler.cfg.HistoryLimit)
	if err != nil {
		handler.renderError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(records))
	for _, record := range records {
		payload = append(payload, gin.H{
			"record_id":    record.RecordID,
			"category":     record.Category.String(),
			"amount_cents": record.AmountCents,
			"status":       record.Status,
			"context":      record.ContextJSON,
			"created_at":   record.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"records": payload})
}

type fundingRequest struct {
	AmountCents int64  `json:"amount_cents" binding:"required"`
	Context     string `json:"context"`
}

func (handler *httpHandler) handleDeposit(ctx *gin.Context) {
	handler.handleFunding(ctx, handler.service.Deposit)
}

func (handler *httpHandler) handleWithdrawal(ctx *gin.Context) {
	handler.handleFunding(ctx, handler.service.Withdraw)
}

func (handler *httpHandler) handleFunding(ctx *gin.Context, apply func(context.Context, draw.ParticipantID, draw.AmountCents, draw.IdempotencyKey, string) (draw.FundingResult, error)) {
	participantID, ok := handler.participantFromClaims(ctx)
	if !ok {
		return
	}
	key, err := draw.NewIdempotencyKey(ctx.GetHeader("Idempotency-Key"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(draw.ReasonCode(err), "Idempotency-Key header is required"))
		return
	}
	var request fundingRequest
	if bindErr := ctx.ShouldBindJSON(&request); bindErr != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", bindErr.Error()))
		return
	}
	amount, err := draw.NewAmountCents(request.AmountCents)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(draw.ReasonCode(err), err.Error()))
		return
	}
	result, err := apply(ctx.Request.Context(), participantID, amount, key, request.Context)
	if err != nil {
		handler.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"record_id":       result.RecordID,
		"amount_cents":    result.AmountCents,
		"available_cents": result.AvailableCents,
	})
}

type settleRequest struct {
	PeriodID string `json:"period_id" binding:"required"`
}

func (handler *httpHandler) handleSettle(ctx *gin.Context) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/api/admin/settle"))
	defer timer.ObserveDuration()

	var request settleRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	var key draw.IdempotencyKey
	if raw := ctx.GetHeader("Idempotency-Key"); raw != "" {
		parsed, err := draw.NewIdempotencyKey(raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(draw.ReasonCode(err), err.Error()))
			return
		}
		key = parsed
	}
	result, err := handler.service.SettlePeriod(ctx.Request.Context(), request.PeriodID, draw.TriggerManual, key)
	if err != nil {
		settlementsTotal.WithLabelValues(draw.ReasonCode(err)).Inc()
		if draw.IsTerminalSettlementError(err) {
			handler.logger.Error("settlement halted",
				zap.String("period_id", request.PeriodID),
				zap.Error(err),
			)
		}
		handler.renderError(ctx, err)
		return
	}
	settlementsTotal.WithLabelValues("ok").Inc()
	ctx.JSON(http.StatusOK, result)
}

type openPeriodRequest struct {
	PeriodDate string `json:"period_date" binding:"required"`
}

func (handler *httpHandler) handleOpenPeriod(ctx *gin.Context) {
	var request openPeriodRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	period, err := handler.service.OpenPeriod(ctx.Request.Context(), request.PeriodDate)
	if err != nil {
		handler.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, periodResponse(period))
}

func (handler *httpHandler) participantFromClaims(ctx *gin.Context) (draw.ParticipantID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return draw.ParticipantID{}, false
	}
	participantID, err := draw.NewParticipantID(claims.Subject)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid participant id"))
		return draw.ParticipantID{}, false
	}
	return participantID, true
}

func (handler *httpHandler) renderError(ctx *gin.Context, err error) {
	code := draw.ReasonCode(err)
	status := statusForReason(code)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func statusForReason(code string) int {
	switch code {
	case "duplicate_entry", "already_settled", "period_exists", "period_halted", "period_not_open", "idempotency_conflict":
		return http.StatusConflict
	case "insufficient_funds":
		return http.StatusPaymentRequired
	case "no_open_period", "unknown_period":
		return http.StatusNotFound
	case "lock_timeout":
		return http.StatusServiceUnavailable
	case "internal", "missing_secret", "commitment_mismatch":
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func periodResponse(period draw.Period) gin.H {
	response := gin.H{
		"period_id":   period.PeriodID,
		"period_date": period.PeriodDate,
		"pool_cents":  period.PoolCents,
		"entry_count": period.EntryCount,
		"status":      period.Status.String(),
		"commitment":  period.Commitment,
		"created_at":  period.CreatedUnixUTC,
	}
	if period.Status == draw.PeriodStatusSettled {
		response["secret"] = period.Secret
		response["winning_index"] = period.WinningIndex
		response["settled_at"] = period.SettledUnixUTC
	}
	return response
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}
