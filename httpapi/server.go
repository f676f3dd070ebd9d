// Package httpapi exposes the facilitator over HTTP: payment verification,
// settlements, agent and service management, ratings, and webhook
// configuration.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	facilitator "github.com/x402-upl/facilitator"
	"github.com/x402-upl/facilitator/registry"
	"github.com/x402-upl/facilitator/reputation"
	"github.com/x402-upl/facilitator/settle"
	"github.com/x402-upl/facilitator/store"
	"github.com/x402-upl/facilitator/verify"
	"github.com/x402-upl/facilitator/webhook"
)

// challengeTimeoutSeconds is the validity window advertised in 402
// challenges.
const challengeTimeoutSeconds = 86400

// Server is the HTTP facade over the facilitator components.
type Server struct {
	verifier    *verify.Verifier
	coordinator *settle.Coordinator
	scheduler   *settle.Scheduler
	reputation  *reputation.Engine
	registry    *registry.Registry
	hooks       *webhook.Service
	store       store.Store
	log         *logrus.Logger
}

// New creates a Server over the given components.
func New(
	verifier *verify.Verifier,
	coordinator *settle.Coordinator,
	scheduler *settle.Scheduler,
	rep *reputation.Engine,
	reg *registry.Registry,
	hooks *webhook.Service,
	st store.Store,
	log *logrus.Logger,
) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		verifier:    verifier,
		coordinator: coordinator,
		scheduler:   scheduler,
		reputation:  rep,
		registry:    reg,
		hooks:       hooks,
		store:       st,
		log:         log,
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		v1.POST("/verify", s.handleVerify)

		v1.POST("/settlements", s.handleSettle)
		v1.GET("/settlements/:id", s.handleGetSettlement)
		v1.POST("/settlements/schedules", s.handleAddSchedule)
		v1.DELETE("/settlements/schedules/:id", s.handleRemoveSchedule)

		v1.POST("/agents", s.handleRegisterAgent)
		v1.GET("/agents/:id/statistics", s.handleAgentStatistics)
		v1.POST("/agents/:id/slash", s.handleSlash)

		v1.POST("/services", s.handleRegisterService)
		v1.GET("/services", s.handleDiscoverServices)
		v1.GET("/services/:id", s.handleGetService)
		v1.GET("/services/:id/requirements", s.handleServiceRequirements)

		v1.POST("/ratings", s.handleRateService)

		v1.POST("/webhooks/config", s.handleWebhookConfig)
		v1.GET("/webhooks/:id", s.handleWebhookStatus)
	}
	return r
}

// writeError maps component errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	var pe *facilitator.PaymentError
	if errors.As(err, &pe) {
		status := http.StatusBadRequest
		switch pe.Code {
		case facilitator.ErrCodeAgentNotFound,
			facilitator.ErrCodeServiceNotFound,
			facilitator.ErrCodeTransactionNotFound:
			status = http.StatusNotFound
		case facilitator.ErrCodeDuplicateRegistration,
			facilitator.ErrCodeAlreadyRated:
			status = http.StatusConflict
		case facilitator.ErrCodeUnauthorizedRating:
			status = http.StatusForbidden
		case facilitator.ErrCodeSettlementFailed:
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": pe})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "not found"}})
		return
	}
	s.log.WithError(err).Error("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": "internal error"}})
}

type verifyRequest struct {
	ServiceID string                     `json:"serviceId" binding:"required"`
	AgentID   string                     `json:"agentId"`
	Payload   facilitator.PaymentPayload `json:"payload" binding:"required"`
}

// handleVerify validates a payment claim against the service's price and
// merchant wallet. A valid payment is recorded as a confirmed transaction
// and folded into service and agent aggregates.
func (s *Server) handleVerify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"code":    facilitator.ErrCodeInvalidPayload,
			"message": err.Error(),
		}})
		return
	}

	svc, err := s.registry.Get(c.Request.Context(), req.ServiceID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	result := s.verifier.VerifyPayment(c.Request.Context(), req.Payload, svc.PricePerCall, svc.OwnerWallet)
	if !result.Valid {
		c.JSON(http.StatusPaymentRequired, result)
		return
	}

	now := time.Now()
	tx := &store.Transaction{
		AgentID:          req.AgentID,
		ServiceID:        svc.ID,
		RecipientAddress: svc.OwnerWallet,
		Amount:           svc.PricePerCall,
		Token:            req.Payload.Asset,
		Signature:        req.Payload.Signature,
		Status:           store.TransactionConfirmed,
		ConfirmedAt:      &now,
	}
	if result.Receipt != nil {
		tx.BlockHash = result.Receipt.BlockHash
		tx.Slot = result.Receipt.Slot
	}
	if err := s.store.CreateTransaction(c.Request.Context(), tx); err != nil {
		s.writeError(c, err)
		return
	}

	if err := s.registry.RecordCall(c.Request.Context(), svc.ID, svc.PricePerCall, true); err != nil {
		s.log.WithError(err).Warn("failed to record service call")
	}
	if req.AgentID != "" {
		if _, err := s.reputation.RecordTransaction(c.Request.Context(), req.AgentID, svc.PricePerCall, true); err != nil {
			s.log.WithError(err).WithField("agentId", req.AgentID).Warn("failed to update agent reputation")
		}
	}
	if svc.WebhookURL != "" {
		payload := map[string]interface{}{
			"transactionId": tx.ID,
			"serviceId":     svc.ID,
			"amount":        tx.Amount,
			"asset":         tx.Token,
			"signature":     tx.Signature,
			"timestamp":     now.UnixMilli(),
		}
		if _, err := s.hooks.Enqueue(c.Request.Context(), svc.WebhookURL, "payment.confirmed", payload); err != nil {
			s.log.WithError(err).Warn("failed to enqueue payment webhook")
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":         true,
		"transactionId": tx.ID,
		"receipt":       result.Receipt,
	})
}

func (s *Server) handleSettle(c *gin.Context) {
	var req facilitator.SettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"code":    facilitator.ErrCodeInvalidPayload,
			"message": err.Error(),
		}})
		return
	}
	if req.SettlementType == "" {
		req.SettlementType = "manual"
	}

	resp, err := s.coordinator.Settle(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetSettlement(c *gin.Context) {
	settlement, err := s.coordinator.GetSettlement(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settlement)
}

type scheduleRequest struct {
	ServiceID      string  `json:"serviceId" binding:"required"`
	MerchantWallet string  `json:"merchantWallet" binding:"required"`
	CronExpression string  `json:"cronExpression" binding:"required"`
	MinimumAmount  float64 `json:"minimumAmount"`
}

func (s *Server) handleAddSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"code":    facilitator.ErrCodeInvalidPayload,
			"message": err.Error(),
		}})
		return
	}

	schedule := &store.SettlementSchedule{
		ServiceID:      req.ServiceID,
		MerchantWallet: req.MerchantWallet,
		CronExpression: req.CronExpression,
		MinimumAmount:  req.MinimumAmount,
	}
	if err := s.scheduler.Add(c.Request.Context(), schedule); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, schedule)
}

func (s *Server) handleRemoveSchedule(c *gin.Context) {
	if err := s.scheduler.Remove(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type registerAgentRequest struct {
	WalletAddress string  `json:"walletAddress" binding:"required"`
	StakedAmount  float64 `json:"stakedAmount"`
	MetadataURI   string  `json:"metadataUri"`
}

func (s *Server) handleRegisterAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"code":    facilitator.ErrCodeInvalidPayload,
			"message": err.Error(),
		}})
		return
	}

	agent, err := s.reputation.RegisterAgent(c.Request.Context(), req.WalletAddress, req.StakedAmount, req.MetadataURI)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) handleAgentStatistics(c *gin.Context) {
	stats, err := s.reputation.GetAgentStatistics(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type slashRequest struct {
	FraudAmount float64 `json:"fraudAmount" binding:"required"`
	EvidenceURI string  `json:"evidenceUri"`
}

func (s *Server) handleSlash(c *gin.Context) {
	var req slashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"code":    facilitator.ErrCodeInvalidPayload,
			"message": err.Error(),
		}})
		return
	}

	agent, slashed, err := s.reputation.SlashForFraud(c.Request.Context(), c.Param("id"), req.FraudAmount, req.EvidenceURI)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agentId":         agent.ID,
		"slashedAmount":   slashed,
		"reputationScore": agent.ReputationScore,
	})
}

func (s *Server) handleRegisterService(c *gin.Context) {
	var reg registry.Registration
	if err := c.ShouldBindJSON(&reg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"code":    facilitator.ErrCodeInvalidPayload,
			"message": err.Error(),
		}})
		return
	}

	svc, err := s.registry.Register(c.Request.Context(), reg)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, svc)
}

func (s *Server) handleDiscoverServices(c *gin.Context) {
	if owner := c.Query("owner"); owner != "" {
		services, err := s.registry.ListByOwner(c.Request.Context(), owner)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"services": services})
		return
	}

	services, err := s.registry.Discover(c.Request.Context(), c.Query("category"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": services})
}

func (s *Server) handleGetService(c *gin.Context) {
	svc, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, svc)
}

// handleServiceRequirements returns the payment challenge a resource serves
// with its 402 response.
func (s *Server) handleServiceRequirements(c *gin.Context) {
	svc, err := s.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	asset := c.Query("asset")
	if asset == "" {
		asset = "USDC"
	}
	amount := strconv.FormatFloat(svc.PricePerCall, 'f', -1, 64)
	req := facilitator.NewPaymentRequirement("mainnet", asset, svc.OwnerWallet, amount, challengeTimeoutSeconds)
	c.JSON(http.StatusOK, req)
}

type rateRequest struct {
	TransactionID string  `json:"transactionId" binding:"required"`
	AgentID       string  `json:"agentId" binding:"required"`
	Rating        float64 `json:"rating" binding:"required"`
	Comment       string  `json:"comment"`
}

func (s *Server) handleRateService(c *gin.Context) {
	var req rateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"code":    facilitator.ErrCodeInvalidPayload,
			"message": err.Error(),
		}})
		return
	}
	if req.Rating < 1 || req.Rating > 5 {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"code":    facilitator.ErrCodeInvalidPayload,
			"message": "rating must be between 1 and 5",
		}})
		return
	}

	svc, err := s.reputation.RateService(c.Request.Context(), req.TransactionID, req.AgentID, req.Rating, req.Comment)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"serviceId":     svc.ID,
		"averageRating": svc.AverageRating,
		"totalRatings":  svc.TotalRatings,
	})
}

type webhookConfigRequest struct {
	WebhookURL string `json:"webhookUrl" binding:"required"`
	Secret     string `json:"secret" binding:"required"`
}

func (s *Server) handleWebhookConfig(c *gin.Context) {
	var req webhookConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"code":    facilitator.ErrCodeInvalidPayload,
			"message": err.Error(),
		}})
		return
	}

	cfg := &store.WebhookConfig{
		WebhookURL: req.WebhookURL,
		Secret:     req.Secret,
		Enabled:    true,
	}
	if err := s.store.CreateWebhookConfig(c.Request.Context(), cfg); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": cfg.ID, "webhookUrl": cfg.WebhookURL, "enabled": cfg.Enabled})
}

func (s *Server) handleWebhookStatus(c *gin.Context) {
	delivery, err := s.hooks.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            delivery.ID,
		"eventType":     delivery.EventType,
		"status":        delivery.Status,
		"attempts":      delivery.Attempts,
		"lastAttemptAt": delivery.LastAttemptAt,
		"completedAt":   delivery.CompletedAt,
		"error":         delivery.Error,
	})
}
