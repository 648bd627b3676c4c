package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"crm-orchestrator/internal/automation"
	"crm-orchestrator/internal/config"
	"crm-orchestrator/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type AutomationHandler struct {
	db     *gorm.DB
	runner *automation.Runner
	cfg    *config.Config
}

func NewAutomationHandler(db *gorm.DB, runner *automation.Runner, cfg *config.Config) *AutomationHandler {
	return &AutomationHandler{db: db, runner: runner, cfg: cfg}
}

// List returns all automations for a workspace.
func (h *AutomationHandler) List(c *gin.Context) {
	workspaceID := c.Param("workspace")

	var automations []models.Automation
	if err := h.db.Where("workspace_id = ?", workspaceID).Order("created_at DESC").Find(&automations).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, automations)
}

// ByTrigger returns enabled automations for one trigger type. This is the
// read contract the runner itself depends on.
func (h *AutomationHandler) ByTrigger(c *gin.Context) {
	workspaceID := c.Param("workspace")
	triggerType := c.Query("trigger_type")

	var automations []models.Automation
	err := h.db.
		Where("workspace_id = ? AND trigger_type = ? AND enabled = ?", workspaceID, triggerType, true).
		Order("id ASC").
		Limit(h.cfg.MaxAutomationsPerWorkspace).
		Find(&automations).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, automations)
}

// Create validates and stores a new automation. Malformed condition trees
// and action lists are rejected here, at save time, never at evaluation.
func (h *AutomationHandler) Create(c *gin.Context) {
	workspaceID := c.Param("workspace")

	var req struct {
		Name          string          `json:"name" binding:"required"`
		TriggerType   string          `json:"trigger_type" binding:"required"`
		TriggerConfig json.RawMessage `json:"trigger_config"`
		Conditions    json.RawMessage `json:"conditions"`
		Actions       json.RawMessage `json:"actions" binding:"required"`
		FolderID      string          `json:"folder_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	a := models.Automation{
		WorkspaceID:   workspaceID,
		Name:          req.Name,
		Enabled:       true,
		TriggerType:   req.TriggerType,
		TriggerConfig: string(req.TriggerConfig),
		Conditions:    string(req.Conditions),
		Actions:       string(req.Actions),
		FolderID:      req.FolderID,
	}
	if err := automation.Validate(a, h.cfg.MaxActionsPerAutomation); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var count int64
	h.db.Model(&models.Automation{}).Where("workspace_id = ?", workspaceID).Count(&count)
	if count >= int64(h.cfg.MaxAutomationsPerWorkspace) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "workspace automation limit reached"})
		return
	}

	if err := h.db.Create(&a).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": a.ID})
}

// Update edits an existing automation, re-validating the result.
func (h *AutomationHandler) Update(c *gin.Context) {
	workspaceID := c.Param("workspace")
	id := c.Param("id")

	var a models.Automation
	if err := h.db.Where("workspace_id = ? AND id = ?", workspaceID, id).First(&a).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "automation not found"})
		return
	}

	var req struct {
		Name          string          `json:"name"`
		TriggerType   string          `json:"trigger_type"`
		TriggerConfig json.RawMessage `json:"trigger_config"`
		Conditions    json.RawMessage `json:"conditions"`
		Actions       json.RawMessage `json:"actions"`
		FolderID      *string         `json:"folder_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Name != "" {
		a.Name = req.Name
	}
	if req.TriggerType != "" {
		a.TriggerType = req.TriggerType
	}
	if len(req.TriggerConfig) > 0 {
		a.TriggerConfig = string(req.TriggerConfig)
	}
	if len(req.Conditions) > 0 {
		a.Conditions = string(req.Conditions)
	}
	if len(req.Actions) > 0 {
		a.Actions = string(req.Actions)
	}
	if req.FolderID != nil {
		a.FolderID = *req.FolderID
	}

	if err := automation.Validate(a, h.cfg.MaxActionsPerAutomation); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.db.Save(&a).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "automation updated"})
}

// Toggle flips the enabled flag.
func (h *AutomationHandler) Toggle(c *gin.Context) {
	workspaceID := c.Param("workspace")
	id := c.Param("id")

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res := h.db.Model(&models.Automation{}).
		Where("workspace_id = ? AND id = ?", workspaceID, id).
		Update("enabled", req.Enabled)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": res.Error.Error()})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "automation not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "automation toggled"})
}

// Delete removes an automation. Execution history stays.
func (h *AutomationHandler) Delete(c *gin.Context) {
	workspaceID := c.Param("workspace")
	id := c.Param("id")

	if err := h.db.Where("workspace_id = ?", workspaceID).Delete(&models.Automation{}, id).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "automation deleted"})
}

// History returns paginated executions with their action logs for operator
// diagnosis of failed and partial runs.
func (h *AutomationHandler) History(c *gin.Context) {
	workspaceID := c.Param("workspace")
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	executions, logs, err := h.runner.History(workspaceID, page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type executionWithLogs struct {
		models.AutomationExecution
		ActionLogs []models.ActionLog `json:"action_logs"`
	}
	out := make([]executionWithLogs, 0, len(executions))
	for _, e := range executions {
		out = append(out, executionWithLogs{AutomationExecution: e, ActionLogs: logs[e.ID]})
	}
	c.JSON(http.StatusOK, gin.H{"page": page, "executions": out})
}
