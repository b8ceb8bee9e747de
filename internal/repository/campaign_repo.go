package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"milestone-service/internal/model"
)

type CampaignRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewCampaignRepository(db *pgxpool.Pool, logger *zap.Logger) *CampaignRepository {
	return &CampaignRepository{
		db:     db,
		logger: logger,
	}
}

// Upsert inserts or refreshes a campaign mirrored from the campaign service.
func (r *CampaignRepository) Upsert(ctx context.Context, c *model.Campaign) error {
	query := `
        INSERT INTO campaigns (id, title, project_id, reviewer_address, owner_address, created_at)
        VALUES ($1, $2, $3, $4, $5, NOW())
        ON CONFLICT (id) DO UPDATE SET
            title = EXCLUDED.title,
            project_id = EXCLUDED.project_id,
            reviewer_address = EXCLUDED.reviewer_address,
            owner_address = EXCLUDED.owner_address
    `
	_, err := r.db.Exec(ctx, query, c.ID, c.Title, c.ProjectID, c.ReviewerAddress, c.OwnerAddress)
	if err != nil {
		r.logger.Error("Failed to upsert campaign", zap.String("id", c.ID), zap.Error(err))
		return &StoreError{Op: "upsert", Cause: err}
	}
	return nil
}

// Get returns one campaign or ErrNotFound.
func (r *CampaignRepository) Get(ctx context.Context, id string) (*model.Campaign, error) {
	query := `
        SELECT id, title, project_id, reviewer_address, owner_address, created_at
        FROM campaigns
        WHERE id = $1
    `
	var c model.Campaign
	err := r.db.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.Title,
		&c.ProjectID,
		&c.ReviewerAddress,
		&c.OwnerAddress,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.Error("Failed to find campaign", zap.String("id", id), zap.Error(err))
		return nil, &StoreError{Op: "find", Cause: err}
	}
	return &c, nil
}
