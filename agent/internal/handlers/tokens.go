package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"ca-tracker/agent/internal/models"
	"ca-tracker/agent/internal/services"
	"ca-tracker/agent/internal/tracker"
	"ca-tracker/shared/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type TrackTokenRequest struct {
	Contract string `json:"contract" binding:"required"`
}

type TokenResponse struct {
	Contract         string     `json:"contract"`
	GroupID          int64      `json:"groupId"`
	Symbol           string     `json:"symbol"`
	Name             string     `json:"name"`
	Status           string     `json:"status"`
	BaselineMcap     float64    `json:"baselineMcap"`
	CurrentMcap      float64    `json:"currentMcap"`
	HighestMcap      float64    `json:"highestMcap"`
	LowestMcap       float64    `json:"lowestMcap"`
	CurrentPrice     float64    `json:"currentPrice"`
	LiquidityUSD     float64    `json:"liquidityUsd"`
	Multiplier       float64    `json:"multiplier"`
	ChangePercent    float64    `json:"changePercent"`
	FiredMultipliers []float64  `json:"firedMultipliers"`
	FiredLosses      []float64  `json:"firedLosses"`
	RugAlerted       bool       `json:"rugAlerted"`
	AddedAt          time.Time  `json:"addedAt"`
	LastObservedAt   time.Time  `json:"lastObservedAt"`
	RemovedAt        *time.Time `json:"removedAt,omitempty"`
}

func newTokenResponse(t *models.TrackedToken) TokenResponse {
	return TokenResponse{
		Contract:         t.ContractID,
		GroupID:          t.GroupID,
		Symbol:           t.Symbol,
		Name:             t.Name,
		Status:           string(t.Status),
		BaselineMcap:     t.BaselineMcap,
		CurrentMcap:      t.CurrentMcap,
		HighestMcap:      t.HighestMcap,
		LowestMcap:       t.LowestMcap,
		CurrentPrice:     t.CurrentPrice,
		LiquidityUSD:     t.LiquidityUSD,
		Multiplier:       t.Multiplier(),
		ChangePercent:    t.LossPercent(),
		FiredMultipliers: append([]float64{}, t.FiredMultipliers...),
		FiredLosses:      append([]float64{}, t.FiredLosses...),
		RugAlerted:       t.RugAlerted,
		AddedAt:          t.AddedAt,
		LastObservedAt:   t.LastObservedAt,
		RemovedAt:        t.RemovedAt,
	}
}

type tokenHandlers struct {
	tracker   TokenTracker
	appLogger *logger.Logger
}

func groupIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid group id"})
		return 0, false
	}
	return id, true
}

func (h *tokenHandlers) listTokens(c *gin.Context) {
	groupID, ok := groupIDParam(c)
	if !ok {
		return
	}
	tokens, err := h.tracker.ListTokens(c.Request.Context(), groupID)
	if err != nil {
		h.appLogger.Error("Failed to list tokens", zap.Int64("groupID", groupID), zap.Error(err), zap.String(requestIDKey, c.GetString(requestIDKey)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list tokens"})
		return
	}

	out := make([]TokenResponse, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, newTokenResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{"groupId": groupID, "tokens": out})
}

func (h *tokenHandlers) trackToken(c *gin.Context) {
	groupID, ok := groupIDParam(c)
	if !ok {
		return
	}
	var req TrackTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	contractID, err := services.ValidateContractAddress(req.Contract)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid contract address"})
		return
	}

	token, err := h.tracker.RegisterToken(c.Request.Context(), contractID, groupID)
	if err != nil {
		status := registrationStatus(err)
		if status == http.StatusInternalServerError {
			h.appLogger.Error("Failed to register token via API",
				zap.String("contract", contractID),
				zap.Int64("groupID", groupID),
				zap.Error(err),
				zap.String(requestIDKey, c.GetString(requestIDKey)))
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, newTokenResponse(token))
}

func registrationStatus(err error) int {
	switch {
	case errors.Is(err, tracker.ErrAlreadyTracked):
		return http.StatusConflict
	case errors.Is(err, tracker.ErrNoMarketData):
		return http.StatusNotFound
	case errors.Is(err, tracker.ErrGroupLimitReached):
		return http.StatusUnprocessableEntity
	case errors.Is(err, tracker.ErrInvalidContract):
		return http.StatusBadRequest
	case errors.Is(err, tracker.ErrProviderTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, tracker.ErrProviderUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *tokenHandlers) removeToken(c *gin.Context) {
	groupID, ok := groupIDParam(c)
	if !ok {
		return
	}
	contractID := c.Param("contract")

	err := h.tracker.RemoveToken(c.Request.Context(), contractID, groupID)
	switch {
	case errors.Is(err, tracker.ErrNotTracked):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		h.appLogger.Error("Failed to remove token via API", zap.String("contract", contractID), zap.Int64("groupID", groupID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove token"})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (h *tokenHandlers) groupStats(c *gin.Context) {
	groupID, ok := groupIDParam(c)
	if !ok {
		return
	}
	stats, err := h.tracker.GetGroupStatistics(c.Request.Context(), groupID)
	if err != nil {
		h.appLogger.Error("Failed to compute group statistics", zap.Int64("groupID", groupID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute statistics"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
