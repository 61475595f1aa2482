package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/wenwu/saas-platform/vpnshop-service/internal/client"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/models"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/repository"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/service"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
)

type Handler struct {
	store       repository.Store
	syncService *service.SyncService
	linkService *service.LinkService
}

func NewHandler(store repository.Store, syncService *service.SyncService, linkService *service.LinkService) *Handler {
	return &Handler{
		store:       store,
		syncService: syncService,
		linkService: linkService,
	}
}

// ==================== Public Handlers ====================

// GetSubscription serves the base64 link list fetched by client apps
func (h *Handler) GetSubscription(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
		return
	}

	body, err := h.linkService.SubscriptionBody(c.Request.Context(), token)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Profile-Update-Interval", "12")
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(body))
}

// ==================== Internal API Handlers ====================

// ProvisionAllHosts creates or extends a client for email on every host
func (h *Handler) ProvisionAllHosts(c *gin.Context) {
	var req models.ProvisionRequest
	if !bindAndValidate(c, &req) {
		return
	}

	results, err := h.syncService.ProvisionAllHosts(c.Request.Context(), req.Email, req.ExpiryRequest())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, &models.ProvisionResponse{
		Results: results,
		Message: provisionMessage(len(results)),
	})
}

// ProvisionKey fans a stored key out to every host
func (h *Handler) ProvisionKey(c *gin.Context) {
	keyID, ok := keyIDParam(c)
	if !ok {
		return
	}

	var req models.KeyProvisionRequest
	if !bindAndValidate(c, &req) {
		return
	}

	resp, err := h.syncService.ProvisionKey(c.Request.Context(), keyID, req.Email, req.ExpiryRequest())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ProvisionOnHost creates or extends a client on a single host
func (h *Handler) ProvisionOnHost(c *gin.Context) {
	var req models.ProvisionRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.syncService.ProvisionOnHost(c.Request.Context(), c.Param("name"), req.Email, req.ExpiryRequest())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// SyncHost replicates every unified key onto a newly added host
func (h *Handler) SyncHost(c *gin.Context) {
	hostName := c.Param("name")

	synced, err := h.syncService.SyncExistingKeysToHost(c.Request.Context(), hostName)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, &models.SyncHostResponse{HostName: hostName, Synced: synced})
}

// DeleteClientOnHost removes the client registered under ?email= from a host
func (h *Handler) DeleteClientOnHost(c *gin.Context) {
	email := strings.TrimSpace(c.Query("email"))
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email required"})
		return
	}

	deleted, err := h.syncService.DeleteClientOnHost(c.Request.Context(), c.Param("name"), email)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// GetKeyLinks lists the per-host connection descriptors of a key
func (h *Handler) GetKeyLinks(c *gin.Context) {
	keyID, ok := keyIDParam(c)
	if !ok {
		return
	}

	links, err := h.linkService.AggregateLinks(c.Request.Context(), keyID)
	if err != nil {
		respondError(c, err)
		return
	}

	uris := make([]string, 0, len(links))
	for _, l := range links {
		uris = append(uris, l.URI())
	}

	c.JSON(http.StatusOK, &models.KeyLinksResponse{KeyID: keyID, Links: links, URIs: uris})
}

// GetKeyDetails returns the connection string the bot shows for a key
func (h *Handler) GetKeyDetails(c *gin.Context) {
	keyID, ok := keyIDParam(c)
	if !ok {
		return
	}

	key, err := h.store.GetKeyByID(c.Request.Context(), keyID)
	if err != nil {
		respondError(c, err)
		return
	}

	details, err := h.linkService.KeyDetails(c.Request.Context(), key)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, details)
}

// RemoveKey deletes a key's clients from every host it was provisioned on
func (h *Handler) RemoveKey(c *gin.Context) {
	keyID, ok := keyIDParam(c)
	if !ok {
		return
	}

	removed, err := h.syncService.RemoveKey(c.Request.Context(), keyID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, &models.RemoveKeyResponse{KeyID: keyID, Removed: removed})
}

// ==================== Admin API Handlers ====================

// GetKeyLogs returns the most recent sync log entries of a key
func (h *Handler) GetKeyLogs(c *gin.Context) {
	keyID, ok := keyIDParam(c)
	if !ok {
		return
	}

	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxLogLimit)
	}

	logs, err := h.store.GetSyncLogs(c.Request.Context(), keyID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"key_id": keyID, "logs": logs})
}

// ==================== Helpers ====================

type validatable interface {
	Validate() error
}

func bindAndValidate(c *gin.Context, req validatable) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func keyIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key id"})
		return 0, false
	}
	return id, true
}

func provisionMessage(n int) string {
	if n == 0 {
		return "no host accepted the client"
	}
	return "provisioned on " + strconv.Itoa(n) + " hosts"
}

// respondError maps service errors onto status codes
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, client.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrExpiryUnspecified), errors.Is(err, service.ErrInvalidEmail):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNoHostsRegistered):
		status = http.StatusConflict
	case errors.Is(err, client.ErrUnreachable), errors.Is(err, client.ErrPanelRejected):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		logrus.WithField("path", c.FullPath()).Errorf("[Handler] %v", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
