package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"milestone-service/internal/model"
	"milestone-service/internal/repository"
	"milestone-service/pkg/util"
)

// CampaignEventPayload is the campaign.created / campaign.updated event shape
// published by the campaign service.
type CampaignEventPayload struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	ProjectID       int64  `json:"projectId"`
	ReviewerAddress string `json:"reviewerAddress"`
	OwnerAddress    string `json:"ownerAddress"`
	TraceID         string `json:"traceId,omitempty"`
}

// CampaignHandler mirrors campaign records into the local table so milestone
// submissions can gate on the campaign's on-chain registration without a
// synchronous call to the campaign service.
type CampaignHandler struct {
	campaignRepo *repository.CampaignRepository
	deduper      *util.Deduper
	logger       *zap.Logger
}

func NewCampaignHandler(campaignRepo *repository.CampaignRepository, deduper *util.Deduper, logger *zap.Logger) *CampaignHandler {
	return &CampaignHandler{
		campaignRepo: campaignRepo,
		deduper:      deduper,
		logger:       logger,
	}
}

func (h *CampaignHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p CampaignEventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal campaign event", zap.Error(err))
		return err
	}

	if p.ID == "" {
		h.logger.Error("Campaign event without id")
		return fmt.Errorf("campaign event missing id")
	}

	if h.deduper != nil {
		key := fmt.Sprintf("%s:%d", p.ID, p.ProjectID)
		if !h.deduper.AcquireOnce(ctx, "campaign_event", key) {
			return nil
		}
	}

	h.logger.Info("Handling campaign event",
		zap.String("campaign_id", p.ID),
		zap.Int64("project_id", p.ProjectID),
		zap.String("trace_id", p.TraceID),
	)

	campaign := &model.Campaign{
		ID:              p.ID,
		Title:           p.Title,
		ProjectID:       p.ProjectID,
		ReviewerAddress: p.ReviewerAddress,
		OwnerAddress:    p.OwnerAddress,
	}
	if err := h.campaignRepo.Upsert(ctx, campaign); err != nil {
		h.logger.Error("Failed to upsert campaign", zap.String("campaign_id", p.ID), zap.Error(err))
		return err
	}

	h.logger.Info("Campaign mirrored",
		zap.String("campaign_id", p.ID),
		zap.Int64("project_id", p.ProjectID),
	)
	return nil
}
