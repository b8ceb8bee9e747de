package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"milestone-service/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// StoreError wraps a persistence failure so callers can tell storage faults
// apart from validation and network faults.
type StoreError struct {
	Op    string
	Cause error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s failed: %v", e.Op, e.Cause) }
func (e *StoreError) Unwrap() error { return e.Cause }

// patchableColumns is the closed set of columns Patch may touch. Anything
// else in the fields map is rejected before a query is built.
var patchableColumns = map[string]bool{
	"title":                     true,
	"description":               true,
	"summary":                   true,
	"image":                     true,
	"max_amount":                true,
	"fiat_amount":               true,
	"selected_fiat":             true,
	"reviewer_address":          true,
	"recipient_address":         true,
	"status":                    true,
	"items":                     true,
	"conversion_rate_timestamp": true,
	"tx_hash":                   true,
	"project_id":                true,
	"plugin_address":            true,
}

type MilestoneRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewMilestoneRepository(db *pgxpool.Pool, logger *zap.Logger) *MilestoneRepository {
	return &MilestoneRepository{
		db:     db,
		logger: logger,
	}
}

const milestoneColumns = `
	id, title, description, summary, image, max_amount, fiat_amount::text,
	selected_fiat, owner_address, reviewer_address, recipient_address,
	campaign_reviewer_address, campaign_owner_address, campaign_id,
	project_id, status, items, conversion_rate_timestamp, tx_hash,
	plugin_address, total_donated, donation_count, created_at, updated_at`

// Create inserts a new milestone record and returns its id. A zero ID on the
// input is assigned here.
func (r *MilestoneRepository) Create(ctx context.Context, m *model.Milestone) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	items, err := json.Marshal(m.Items)
	if err != nil {
		return "", &StoreError{Op: "create", Cause: err}
	}

	query := `
        INSERT INTO milestones (
            id, title, description, summary, image, max_amount, fiat_amount,
            selected_fiat, owner_address, reviewer_address, recipient_address,
            campaign_reviewer_address, campaign_owner_address, campaign_id,
            project_id, status, items, conversion_rate_timestamp, tx_hash,
            plugin_address, total_donated, donation_count, created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
                $15, $16, $17, $18, $19, $20, $21, $22, NOW(), NOW())
        RETURNING id
    `
	var id string
	err = r.db.QueryRow(ctx, query,
		m.ID,
		m.Title,
		m.Description,
		m.Summary,
		m.Image,
		m.MaxAmount,
		m.FiatAmount.String(),
		string(m.SelectedFiat),
		m.OwnerAddress,
		m.ReviewerAddress,
		m.RecipientAddress,
		m.CampaignReviewerAddress,
		m.CampaignOwnerAddress,
		m.CampaignID,
		m.ProjectID,
		string(m.Status),
		items,
		m.ConversionRateTimestamp,
		m.TxHash,
		m.PluginAddress,
		m.TotalDonated,
		m.DonationCount,
	).Scan(&id)

	if err != nil {
		r.logger.Error("Failed to insert milestone", zap.Error(err))
		return "", &StoreError{Op: "create", Cause: err}
	}

	r.logger.Info("Milestone created",
		zap.String("id", id),
		zap.String("campaign_id", m.CampaignID),
		zap.String("status", string(m.Status)),
	)
	return id, nil
}

// Patch applies a partial update. Field keys are column names from the
// patchable set; unknown keys fail the whole patch so a typo cannot silently
// drop an update.
func (r *MilestoneRepository) Patch(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	cols := make([]string, 0, len(fields))
	for col := range fields {
		if !patchableColumns[col] {
			return &StoreError{Op: "patch", Cause: fmt.Errorf("column %q is not patchable", col)}
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	set := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		set = append(set, fmt.Sprintf("%s = $%d", col, i+1))
		args = append(args, fields[col])
	}
	set = append(set, "updated_at = NOW()")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE milestones SET %s WHERE id = $%d", strings.Join(set, ", "), len(args))

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to patch milestone", zap.String("id", id), zap.Error(err))
		return &StoreError{Op: "patch", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	r.logger.Info("Milestone patched", zap.String("id", id), zap.Strings("columns", cols))
	return nil
}

// FindByID returns one milestone or ErrNotFound.
func (r *MilestoneRepository) FindByID(ctx context.Context, id string) (*model.Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestones WHERE id = $1`

	m, err := r.scanMilestone(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.Error("Failed to find milestone", zap.String("id", id), zap.Error(err))
		return nil, &StoreError{Op: "find", Cause: err}
	}
	return m, nil
}

// FindByCampaign returns the campaign's milestones, newest first.
func (r *MilestoneRepository) FindByCampaign(ctx context.Context, campaignID string) ([]model.Milestone, error) {
	query := `SELECT ` + milestoneColumns + `
        FROM milestones
        WHERE campaign_id = $1
        ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, campaignID)
	if err != nil {
		r.logger.Error("Failed to find milestones", zap.String("campaign_id", campaignID), zap.Error(err))
		return nil, &StoreError{Op: "find", Cause: err}
	}
	defer rows.Close()

	var milestones []model.Milestone
	for rows.Next() {
		m, err := r.scanMilestone(rows)
		if err != nil {
			r.logger.Error("Failed to scan milestone", zap.Error(err))
			return nil, &StoreError{Op: "find", Cause: err}
		}
		milestones = append(milestones, *m)
	}
	return milestones, rows.Err()
}

func (r *MilestoneRepository) scanMilestone(row pgx.Row) (*model.Milestone, error) {
	var (
		m          model.Milestone
		fiatAmount string
		fiat       string
		status     string
		items      []byte
	)
	if err := row.Scan(
		&m.ID,
		&m.Title,
		&m.Description,
		&m.Summary,
		&m.Image,
		&m.MaxAmount,
		&fiatAmount,
		&fiat,
		&m.OwnerAddress,
		&m.ReviewerAddress,
		&m.RecipientAddress,
		&m.CampaignReviewerAddress,
		&m.CampaignOwnerAddress,
		&m.CampaignID,
		&m.ProjectID,
		&status,
		&items,
		&m.ConversionRateTimestamp,
		&m.TxHash,
		&m.PluginAddress,
		&m.TotalDonated,
		&m.DonationCount,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return nil, err
	}

	amount, err := decimal.NewFromString(fiatAmount)
	if err != nil {
		return nil, fmt.Errorf("corrupt fiat amount %q: %w", fiatAmount, err)
	}
	m.FiatAmount = amount
	m.SelectedFiat = model.Fiat(fiat)
	m.Status = model.MilestoneStatus(status)

	if len(items) > 0 {
		if err := json.Unmarshal(items, &m.Items); err != nil {
			return nil, fmt.Errorf("corrupt items payload: %w", err)
		}
	}
	return &m, nil
}
