package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"milestone-service/internal/model"
	"milestone-service/internal/repository"
	"milestone-service/internal/service"
)

// OrchestratorFactory mints a fresh single-use orchestrator per submission.
type OrchestratorFactory func() *service.Orchestrator

type MilestoneHandler struct {
	newOrchestrator OrchestratorFactory
	repo            *repository.MilestoneRepository
	logger          *zap.Logger
}

func NewMilestoneHandler(factory OrchestratorFactory, repo *repository.MilestoneRepository, logger *zap.Logger) *MilestoneHandler {
	return &MilestoneHandler{
		newOrchestrator: factory,
		repo:            repo,
		logger:          logger,
	}
}

type submitRequest struct {
	Mode      string       `json:"mode" binding:"required"`
	Confirmed bool         `json:"confirmed"`
	Milestone draftPayload `json:"milestone" binding:"required"`
}

// draftPayload is the client-editable subset of a milestone. Status is
// deliberately absent: transitions are resolved from the stored record.
type draftPayload struct {
	ID               string          `json:"id"`
	Title            string          `json:"title" binding:"required"`
	Description      string          `json:"description"`
	Summary          string          `json:"summary"`
	Image            string          `json:"image"`
	UploadNewImage   bool            `json:"uploadNewImage"`
	Date             string          `json:"date"`
	MaxAmount        decimal.Decimal `json:"maxAmount"`
	FiatAmount       decimal.Decimal `json:"fiatAmount"`
	SelectedFiat     string          `json:"selectedFiat"`
	ReviewerAddress  string          `json:"reviewerAddress"`
	RecipientAddress string          `json:"recipientAddress"`
	CampaignID       string          `json:"campaignId" binding:"required"`
	Items            []model.Item    `json:"items"`
	Itemized         bool            `json:"itemized"`
}

// Submit runs a milestone submission to its terminal state and reports every
// state transition it went through. The confirmation gate is answered by the
// request's confirmed flag.
func (h *MilestoneHandler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	owner := c.GetString("address")
	if owner == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "caller address missing"})
		return
	}

	draft, err := h.buildDraft(req.Milestone, owner)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("Submit request received",
		zap.String("mode", req.Mode),
		zap.String("campaign_id", draft.CampaignID),
		zap.String("owner", owner),
		zap.String("client_ip", c.ClientIP()),
	)

	confirm := func(ctx context.Context, d *model.Draft) (bool, error) {
		return req.Confirmed, nil
	}

	events, err := h.newOrchestrator().Start(c.Request.Context(), draft, service.Mode(req.Mode), confirm)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		transitions []service.Event
		terminal    service.Event
	)
	for ev := range events {
		transitions = append(transitions, ev)
		if ev.State == service.StateSucceeded || ev.State == service.StateFailed {
			terminal = ev
		}
	}

	body := gin.H{
		"result":      terminal,
		"transitions": transitions,
	}

	switch {
	case terminal.State == service.StateSucceeded:
		c.JSON(http.StatusOK, body)
	case errors.Is(terminal.Err, service.ErrUserDeclined):
		c.JSON(http.StatusConflict, body)
	case terminal.Partial:
		// A transaction or placeholder record may already exist; the client
		// must warn before any retry.
		c.JSON(http.StatusBadGateway, body)
	default:
		c.JSON(http.StatusUnprocessableEntity, body)
	}
}

func (h *MilestoneHandler) buildDraft(p draftPayload, owner string) (*model.Draft, error) {
	fiat := model.Fiat(p.SelectedFiat)
	if p.SelectedFiat == "" {
		fiat = model.FiatEUR
	}
	if !fiat.IsSupported() {
		return nil, errors.New("unsupported currency " + p.SelectedFiat)
	}

	fiatAmount := p.FiatAmount
	if fiatAmount.IsZero() && !p.Itemized {
		fiatAmount = decimal.NewFromInt(10)
	}

	var date time.Time
	if p.Date != "" {
		parsed, err := time.Parse(time.RFC3339, p.Date)
		if err != nil {
			return nil, errors.New("date must be RFC3339")
		}
		date = parsed
	}

	id := p.ID
	if id == "" {
		id = service.NewDraftID()
	}

	return &model.Draft{
		ID:               id,
		Title:            p.Title,
		Description:      p.Description,
		Summary:          p.Summary,
		Image:            p.Image,
		UploadNewImage:   p.UploadNewImage,
		Date:             date,
		MaxAmount:        p.MaxAmount,
		FiatAmount:       fiatAmount,
		SelectedFiat:     fiat,
		OwnerAddress:     owner,
		ReviewerAddress:  p.ReviewerAddress,
		RecipientAddress: p.RecipientAddress,
		CampaignID:       p.CampaignID,
		Items:            p.Items,
		ItemizeMode:      p.Itemized,
	}, nil
}

// List returns a campaign's milestones.
func (h *MilestoneHandler) List(c *gin.Context) {
	campaignID := c.Query("campaignId")
	if campaignID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "campaignId required"})
		return
	}

	milestones, err := h.repo.FindByCampaign(c.Request.Context(), campaignID)
	if err != nil {
		h.logger.Error("List: failed to fetch milestones",
			zap.String("campaign_id", campaignID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch milestones"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"milestones": milestones})
}

// Get returns one milestone by id.
func (h *MilestoneHandler) Get(c *gin.Context) {
	id := c.Param("id")

	m, err := h.repo.FindByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "milestone not found"})
			return
		}
		h.logger.Error("Get: failed to fetch milestone", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch milestone"})
		return
	}

	c.JSON(http.StatusOK, m)
}
