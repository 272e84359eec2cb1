package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"medication-reminder/internal/audit"
	"medication-reminder/internal/auth"
	"medication-reminder/internal/calls"
	"medication-reminder/internal/reporting"
	"medication-reminder/internal/telephony"
	"medication-reminder/pkg/logger"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Dialer places the outbound reminder call.
type Dialer interface {
	PlaceReminderCall(ctx context.Context, to string) (telephony.CallResult, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth    *auth.Manager
	Store   calls.Store
	Dialer  Dialer
	Reports *reporting.Service
	Audit   *audit.Service
}

// --- Auth ---

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a new pair.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	pair, err := h.Auth.Refresh(req.RefreshToken, time.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// --- Calls ---

type triggerCallRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

// TriggerCall dials a patient and registers the call record.
func (h Handlers) TriggerCall(c *gin.Context) {
	log := logger.FromGin(c)

	var req triggerCallRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	to := strings.TrimSpace(req.PhoneNumber)
	if to == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Phone number is required"})
		return
	}

	ctx := c.Request.Context()
	res, err := h.Dialer.PlaceReminderCall(ctx, to)
	if err != nil {
		log.Error("reminder call failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to trigger call", "details": err.Error()})
		return
	}

	status := calls.Status(res.Status)
	if status == "" {
		status = calls.StatusQueued
	}
	_, err = h.Store.Create(ctx, calls.CallRecord{
		CallSid: res.Sid,
		To:      to,
		From:    res.From,
		Status:  status,
		Attempt: calls.AttemptReminder,
	})
	// The status webhook may have registered the call already.
	if err != nil && !errors.Is(err, calls.ErrAlreadyExists) {
		log.Error("call record create failed", "call_sid", res.Sid, "err", err)
	}

	if h.Audit != nil {
		userID, _ := auth.UserID(ctx)
		role, _ := auth.Role(ctx)
		if err := h.Audit.LogCallTriggered(ctx, res.Sid, userID, role, c.ClientIP(), to); err != nil {
			log.Warn("audit append failed", "err", err)
		}
	}

	log.Info("reminder call triggered", "call_sid", res.Sid, "call_status", res.Status)
	c.JSON(http.StatusOK, gin.H{
		"message": "Call triggered successfully",
		"callSid": res.Sid,
		"status":  res.Status,
	})
}

// CallLogs lists call records, newest first. Optional query params: from,
// to (RFC3339) and limit.
func (h Handlers) CallLogs(c *gin.Context) {
	from, to, err := parseRange(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	rows, err := h.Store.List(c.Request.Context(), calls.ListFilter{From: from, To: to, Limit: limit})
	if err != nil {
		logger.FromGin(c).Error("call log list failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve call logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": rows, "count": len(rows)})
}

// CallLog returns one call record.
func (h Handlers) CallLog(c *gin.Context) {
	rec, err := h.Store.FindByCallSid(c.Request.Context(), c.Param("callSid"))
	if errors.Is(err, calls.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Call log not found"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("call log lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve call log"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// --- Reports ---

func (h Handlers) AdherenceReport(c *gin.Context) {
	from, to, err := parseRange(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := h.Reports.Adherence(c.Request.Context(), reporting.AdherenceRequest{Range: reporting.TimeRange{From: from, To: to}})
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("adherence report failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func parseRange(c *gin.Context) (from, to time.Time, err error) {
	if raw := c.Query("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			return time.Time{}, time.Time{}, errors.New("from must be RFC3339")
		}
	}
	if raw := c.Query("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			return time.Time{}, time.Time{}, errors.New("to must be RFC3339")
		}
	}
	return from, to, nil
}
