package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"milestone-service/internal/chain"
	"milestone-service/internal/currency"
	"milestone-service/internal/model"
	"milestone-service/internal/reconcile"
	"milestone-service/pkg/config"
	"milestone-service/pkg/metrics"
)

// Mode selects the submission path.
type Mode string

const (
	ModeNew     Mode = "new"     // direct on-chain milestone creation
	ModePropose Mode = "propose" // proposal, no broadcast
	ModeEdit    Mode = "edit"    // patch of an existing milestone
)

// State is an orchestrator stage. Succeeded and Failed are terminal.
type State string

const (
	StateIdle                    State = "idle"
	StateConfirming              State = "confirming"
	StateReconcilingAmounts      State = "reconciling_amounts"
	StateUploadingMilestoneImage State = "uploading_milestone_image"
	StateUploadingItemImages     State = "uploading_item_images"
	StateBroadcasting            State = "broadcasting"
	StateAwaitingPending         State = "awaiting_pending"
	StatePersisting              State = "persisting"
	StateSucceeded               State = "succeeded"
	StateFailed                  State = "failed"
)

// Event is one state transition of a submission run. Record is set on
// Succeeded; TxHash and ExplorerLink on AwaitingPending and on pending-aware
// failures; Err and Partial on Failed.
type Event struct {
	State        State            `json:"state"`
	Record       *model.Milestone `json:"record,omitempty"`
	TxHash       string           `json:"txHash,omitempty"`
	ExplorerLink string           `json:"explorerLink,omitempty"`
	Err          error            `json:"-"`
	Reason       string           `json:"reason,omitempty"`
	Partial      bool             `json:"partial,omitempty"`
}

// ConfirmFunc is the explicit yes/no gate asked before any side effect of a
// proposal or a direct creation. It is supplied by the caller per run.
type ConfirmFunc func(ctx context.Context, draft *model.Draft) (bool, error)

// RecordStore is the milestone persistence surface the orchestrator needs.
type RecordStore interface {
	Create(ctx context.Context, m *model.Milestone) (string, error)
	Patch(ctx context.Context, id string, fields map[string]any) error
	FindByID(ctx context.Context, id string) (*model.Milestone, error)
}

// CampaignGetter loads the parent campaign for gating and defaults.
type CampaignGetter interface {
	Get(ctx context.Context, id string) (*model.Campaign, error)
}

// Uploader resolves a local attachment handle to a persisted URL.
type Uploader interface {
	Upload(ctx context.Context, localRef string) (string, error)
}

// Broadcaster submits the on-chain milestone creation call.
type Broadcaster interface {
	Broadcast(ctx context.Context, call chain.AddMilestoneCall) (*chain.PendingTx, error)
}

// RateSource yields the conversion-rate table covering a date.
type RateSource interface {
	Get(ctx context.Context, date time.Time) (*currency.RateEntry, error)
}

// EventPublisher emits milestone lifecycle events to the message bus. May be
// nil-checked off; publishing failures never fail a submission.
type EventPublisher interface {
	Publish(routingKey string, payload any) error
}

// TxLinker renders an explorer link for a transaction hash.
type TxLinker interface {
	TxLink(hash string) string
}

// Locker guards against double submission of the same draft.
type Locker interface {
	AcquireOnce(ctx context.Context, scope, id string) bool
	Release(ctx context.Context, scope, id string)
}

const dedupScope = "submission"

// Orchestrator drives one milestone submission through its stages. An
// instance is single-use: after a terminal event a fresh orchestrator must be
// created for the next attempt.
type Orchestrator struct {
	store     RecordStore
	campaigns CampaignGetter
	uploader  Uploader
	broadcast Broadcaster
	rates     RateSource
	publisher EventPublisher
	linker    TxLinker
	locker    Locker
	whitelist config.WhitelistConfig
	bcTimeout time.Duration
	logger    *zap.Logger
	started   atomic.Bool
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store     RecordStore
	Campaigns CampaignGetter
	Uploader  Uploader
	Broadcast Broadcaster
	Rates     RateSource
	Publisher EventPublisher
	Linker    TxLinker
	Locker    Locker
}

func NewOrchestrator(deps Deps, whitelist config.WhitelistConfig, broadcastTimeout time.Duration, logger *zap.Logger) *Orchestrator {
	if broadcastTimeout <= 0 {
		broadcastTimeout = 10 * time.Minute
	}
	return &Orchestrator{
		store:     deps.Store,
		campaigns: deps.Campaigns,
		uploader:  deps.Uploader,
		broadcast: deps.Broadcast,
		rates:     deps.Rates,
		publisher: deps.Publisher,
		linker:    deps.Linker,
		locker:    deps.Locker,
		whitelist: whitelist,
		bcTimeout: broadcastTimeout,
		logger:    logger.With(zap.String("component", "orchestrator")),
	}
}

// Start begins the submission and returns the event subscription. Events end
// with exactly one Succeeded or Failed, after which the channel is closed.
// The context is honored up to the broadcasting stage; once a transaction is
// in flight cancellation no longer stops persistence.
func (o *Orchestrator) Start(ctx context.Context, draft *model.Draft, mode Mode, confirm ConfirmFunc) (<-chan Event, error) {
	if !o.started.CompareAndSwap(false, true) {
		return nil, errors.New("orchestrator already used; create a fresh instance")
	}
	switch mode {
	case ModeNew, ModePropose, ModeEdit:
	default:
		return nil, fmt.Errorf("unknown submission mode %q", mode)
	}
	if mode == ModeEdit && draft.ID == "" {
		return nil, errors.New("edit submission requires a milestone id")
	}

	events := make(chan Event, 16)
	go o.run(ctx, draft, mode, confirm, events)
	return events, nil
}

type run struct {
	o      *Orchestrator
	draft  *model.Draft
	mode   Mode
	events chan<- Event
	logger *zap.Logger
}

func (o *Orchestrator) run(ctx context.Context, draft *model.Draft, mode Mode, confirm ConfirmFunc, events chan<- Event) {
	defer close(events)

	r := &run{
		o:      o,
		draft:  draft,
		mode:   mode,
		events: events,
		logger: o.logger.With(
			zap.String("mode", string(mode)),
			zap.String("milestone_id", draft.ID),
			zap.String("campaign_id", draft.CampaignID),
		),
	}

	if o.locker != nil && draft.ID != "" {
		if !o.locker.AcquireOnce(ctx, dedupScope, draft.ID) {
			r.fail(StateIdle, errors.New("a submission for this milestone is already in flight"), false)
			return
		}
		// The lock guards the in-flight run only; the next attempt may start
		// as soon as this one reaches a terminal state.
		defer o.locker.Release(context.WithoutCancel(ctx), dedupScope, draft.ID)
	}

	record, err := r.execute(ctx, confirm)
	if err != nil {
		var stage *StageError
		if errors.As(err, &stage) {
			r.fail(stage.Stage, stage.Cause, stage.Partial)
		} else {
			r.fail(StateFailed, err, false)
		}
		return
	}

	r.emit(Event{State: StateSucceeded, Record: record})
	metrics.RecordSubmission(string(mode), "succeeded")
	r.publishTerminal(record)
	r.logger.Info("submission succeeded", zap.String("id", record.ID), zap.String("status", string(record.Status)))
}

// execute walks the stages in order and returns the persisted record.
func (r *run) execute(ctx context.Context, confirm ConfirmFunc) (*model.Milestone, error) {
	// Status transitions are resolved from the stored record, never from
	// anything the caller sent. rejected to proposed is the only backward
	// edge, and it is taken only when the store says the record is rejected.
	existing, err := r.loadEditTarget(ctx)
	if err != nil {
		return nil, err
	}
	resubmitRejected := existing != nil && existing.Status == model.StatusRejected

	// Confirming. Proposals and direct creations gate on an explicit yes;
	// resubmitting a rejected milestone reuses the proposal path and gates
	// again. Plain edits skip the gate.
	if r.mode != ModeEdit || resubmitRejected {
		r.emit(Event{State: StateConfirming})
		if confirm == nil {
			return nil, &StageError{Stage: StateConfirming, Cause: errors.New("confirmation required but no confirm callback supplied")}
		}
		ok, err := confirm(ctx, r.draft)
		if err != nil {
			return nil, &StageError{Stage: StateConfirming, Cause: err}
		}
		if !ok {
			return nil, &StageError{Stage: StateConfirming, Cause: ErrUserDeclined}
		}
	}
	if err := r.canceled(ctx, StateConfirming); err != nil {
		return nil, err
	}

	// ReconcilingAmounts. Gating and amount normalization; validation
	// failures never get past this stage.
	r.emit(Event{State: StateReconcilingAmounts})
	stageStart := time.Now()
	campaign, err := r.reconcileStage(ctx)
	if err != nil {
		return nil, err
	}
	metrics.RecordStageDuration(string(StateReconcilingAmounts), time.Since(stageStart))
	if err := r.canceled(ctx, StateReconcilingAmounts); err != nil {
		return nil, err
	}

	// UploadingMilestoneImage. Skipped unless the image changed this session.
	if r.draft.UploadNewImage && model.IsLocalRef(r.draft.Image) {
		r.emit(Event{State: StateUploadingMilestoneImage})
		stageStart = time.Now()
		url, err := r.o.uploader.Upload(ctx, r.draft.Image)
		if err != nil {
			return nil, &StageError{Stage: StateUploadingMilestoneImage, Cause: err}
		}
		r.draft.Image = url
		metrics.RecordStageDuration(string(StateUploadingMilestoneImage), time.Since(stageStart))
	}

	// UploadingItemImages. Concurrent fan-out; the stage completes only when
	// every upload has settled, and any failure fails the stage before a
	// single store write.
	if err := r.uploadItemImages(ctx); err != nil {
		return nil, err
	}
	if err := r.canceled(ctx, StateUploadingItemImages); err != nil {
		return nil, err
	}

	record := r.buildRecord(campaign, existing, resubmitRejected)

	// Broadcasting. Direct creations only; proposals and edits go straight
	// to persisting.
	if r.mode == ModeNew {
		return r.broadcastAndPersist(ctx, campaign, record)
	}

	r.emit(Event{State: StatePersisting})
	stageStart = time.Now()
	persisted, err := r.persist(ctx, record, existing)
	if err != nil {
		return nil, &StageError{Stage: StatePersisting, Cause: err}
	}
	metrics.RecordStageDuration(string(StatePersisting), time.Since(stageStart))
	return persisted, nil
}

// loadEditTarget loads the record an edit targets and checks ownership. The
// stored record is the source of truth for the current status; the draft
// carries no status of its own.
func (r *run) loadEditTarget(ctx context.Context) (*model.Milestone, error) {
	if r.mode != ModeEdit {
		return nil, nil
	}
	existing, err := r.o.store.FindByID(ctx, r.draft.ID)
	if err != nil {
		return nil, &StageError{Stage: StateIdle, Cause: fmt.Errorf("failed to load milestone %s: %w", r.draft.ID, err)}
	}
	if !strings.EqualFold(existing.OwnerAddress, r.draft.OwnerAddress) {
		return nil, &StageError{Stage: StateIdle, Cause: fmt.Errorf("address %s does not own milestone %s", r.draft.OwnerAddress, r.draft.ID)}
	}
	return existing, nil
}

// reconcileStage loads the campaign, applies the gates, and normalizes the
// draft's amounts under the rate table for the draft's date.
func (r *run) reconcileStage(ctx context.Context) (*model.Campaign, error) {
	fail := func(err error) (*model.Campaign, error) {
		return nil, &StageError{Stage: StateReconcilingAmounts, Cause: err}
	}

	campaign, err := r.o.campaigns.Get(ctx, r.draft.CampaignID)
	if err != nil {
		return fail(fmt.Errorf("failed to load campaign %s: %w", r.draft.CampaignID, err))
	}
	if campaign.ProjectID == 0 {
		return fail(fmt.Errorf("campaign %s is not yet registered on chain", campaign.ID))
	}

	// Direct creations require a whitelisted project owner; proposals are
	// open to anyone.
	if r.mode == ModeNew && !whitelisted(r.o.whitelist.ProjectOwners, r.draft.OwnerAddress) {
		return fail(fmt.Errorf("address %s is not a whitelisted project owner", r.draft.OwnerAddress))
	}

	if r.draft.ReviewerAddress == "" {
		if rev := randomEntry(r.o.whitelist.Reviewers); rev != "" {
			r.draft.ReviewerAddress = rev
		} else {
			return fail(errors.New("no reviewer selected and the reviewer whitelist is empty"))
		}
	}

	date := r.draft.Date
	if date.IsZero() {
		date = time.Now()
	}
	entry, err := r.o.rates.Get(ctx, date)
	if err != nil {
		return fail(fmt.Errorf("failed to fetch conversion rates: %w", err))
	}
	r.draft.Date = date

	rec := reconcile.New(r.draft, r.draft.SelectedFiat)
	rec.SetRates(entry)
	if !r.draft.ItemizeMode {
		if err := rec.SetFromFiat(r.draft.FiatAmount); err != nil {
			return fail(err)
		}
	}
	rec.Apply()

	return campaign, nil
}

func (r *run) uploadItemImages(ctx context.Context) error {
	var pending []int
	for i := range r.draft.Items {
		if model.IsLocalRef(r.draft.Items[i].Image) {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	r.emit(Event{State: StateUploadingItemImages})
	stageStart := time.Now()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, i := range pending {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url, err := r.o.uploader.Upload(ctx, r.draft.Items[i].Image)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("item %d: %w", i, err))
				return
			}
			r.draft.Items[i].Image = url
		}(i)
	}
	wg.Wait()

	if len(errs) > 0 {
		return &StageError{Stage: StateUploadingItemImages, Cause: errors.Join(errs...)}
	}
	metrics.RecordStageDuration(string(StateUploadingItemImages), time.Since(stageStart))
	return nil
}

// buildRecord maps the reconciled draft onto the persisted record shape.
func (r *run) buildRecord(campaign *model.Campaign, existing *model.Milestone, resubmitRejected bool) *model.Milestone {
	status := model.StatusPending
	switch {
	case r.mode == ModePropose, resubmitRejected:
		status = model.StatusProposed
	case r.mode == ModeEdit:
		// Plain edits never move the status; the stored value is preserved
		// verbatim.
		status = existing.Status
	}

	record := &model.Milestone{
		ID:                      r.draft.ID,
		Title:                   r.draft.Title,
		Description:             r.draft.Description,
		Summary:                 model.TruncateSummary(r.draft.Summary, 100),
		Image:                   r.draft.Image,
		MaxAmount:               reconcile.ToWei(r.draft.MaxAmount).String(),
		FiatAmount:              r.draft.FiatAmount,
		SelectedFiat:            r.draft.SelectedFiat,
		OwnerAddress:            r.draft.OwnerAddress,
		ReviewerAddress:         r.draft.ReviewerAddress,
		RecipientAddress:        r.draft.RecipientAddress,
		CampaignReviewerAddress: campaign.ReviewerAddress,
		CampaignOwnerAddress:    campaign.OwnerAddress,
		CampaignID:              campaign.ID,
		Status:                  status,
		Items:                   r.draft.Items,
		ConversionRateTimestamp: currency.DayKey(r.draft.Date),
		PluginAddress:           model.ZeroAddress,
		TotalDonated:            "0",
		DonationCount:           0,
	}
	if existing != nil {
		record.ID = existing.ID
		record.ProjectID = existing.ProjectID
		record.TxHash = existing.TxHash
	}
	return record
}

// broadcastAndPersist runs the Broadcasting, AwaitingPending, and Persisting
// stages of a direct creation. Once the transaction is sent the caller's
// context no longer cancels persistence.
func (r *run) broadcastAndPersist(ctx context.Context, campaign *model.Campaign, record *model.Milestone) (*model.Milestone, error) {
	r.emit(Event{State: StateBroadcasting})
	stageStart := time.Now()

	call := chain.AddMilestoneCall{
		Title:            record.Title,
		Description:      "",
		MaxAmountWei:     reconcile.ToWei(r.draft.MaxAmount),
		ParentProjectID:  uint64(campaign.ProjectID),
		Recipient:        common.HexToAddress(record.RecipientAddress),
		Reviewer:         common.HexToAddress(record.ReviewerAddress),
		CampaignReviewer: common.HexToAddress(record.CampaignReviewerAddress),
	}

	ptx, err := r.o.broadcast.Broadcast(ctx, call)
	if err != nil {
		return nil, &StageError{Stage: StateBroadcasting, Cause: err}
	}
	metrics.RecordStageDuration(string(StateBroadcasting), time.Since(stageStart))

	// Detached from the caller: the transaction is in flight and the
	// placeholder record must land regardless of cancellation.
	persistCtx := context.WithoutCancel(ctx)

	deadline := time.NewTimer(r.o.bcTimeout)
	defer deadline.Stop()

	var hash string
	select {
	case h := <-ptx.Pending:
		hash = h.Hex()
	case <-deadline.C:
		return nil, &StageError{Stage: StateBroadcasting, Cause: ErrBroadcastTimeout, Partial: true}
	}

	record.TxHash = hash
	link := ""
	if r.o.linker != nil {
		link = r.o.linker.TxLink(hash)
	}
	r.emit(Event{State: StateAwaitingPending, TxHash: hash, ExplorerLink: link})

	// Eager persistence on pending: the hash/record association must survive
	// a crash while the transaction is still in the pool.
	id, err := r.o.store.Create(persistCtx, record)
	if err != nil {
		return nil, &StageError{Stage: StateAwaitingPending, Cause: err, Partial: true}
	}
	record.ID = id
	r.publish("milestone.pending", map[string]any{
		"id":           id,
		"campaignId":   record.CampaignID,
		"txHash":       hash,
		"explorerLink": link,
	})

	select {
	case result := <-ptx.Done:
		if !result.Confirmed {
			return nil, &StageError{
				Stage:   StateAwaitingPending,
				Cause:   &chain.RejectedError{Reason: result.Reason},
				Partial: true,
			}
		}
	case <-deadline.C:
		return nil, &StageError{Stage: StateAwaitingPending, Cause: ErrBroadcastTimeout, Partial: true}
	}

	// Confirmed. The record was already persisted at pending with its fixed
	// "pending" status and the hash, so persisting is a verification read.
	r.emit(Event{State: StatePersisting})
	persisted, err := r.o.store.FindByID(persistCtx, record.ID)
	if err != nil {
		return nil, &StageError{Stage: StatePersisting, Cause: err, Partial: true}
	}
	return persisted, nil
}

// persist creates or patches the record for the non-broadcast paths.
func (r *run) persist(ctx context.Context, record *model.Milestone, existing *model.Milestone) (*model.Milestone, error) {
	if r.mode == ModeEdit {
		fields := map[string]any{
			"title":                     record.Title,
			"description":               record.Description,
			"summary":                   record.Summary,
			"image":                     record.Image,
			"max_amount":                record.MaxAmount,
			"fiat_amount":               record.FiatAmount.String(),
			"selected_fiat":             string(record.SelectedFiat),
			"reviewer_address":          record.ReviewerAddress,
			"recipient_address":         record.RecipientAddress,
			"status":                    string(record.Status),
			"items":                     record.Items,
			"conversion_rate_timestamp": record.ConversionRateTimestamp,
		}
		if err := r.o.store.Patch(ctx, existing.ID, fields); err != nil {
			return nil, err
		}
		return r.o.store.FindByID(ctx, existing.ID)
	}

	id, err := r.o.store.Create(ctx, record)
	if err != nil {
		return nil, err
	}
	record.ID = id
	return record, nil
}

func (r *run) canceled(ctx context.Context, at State) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Stage: at, Cause: err}
	}
	return nil
}

func (r *run) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("event subscriber too slow, dropping event", zap.String("state", string(ev.State)))
	}
}

func (r *run) fail(stage State, cause error, partial bool) {
	outcome := "failed"
	if errors.Is(cause, ErrUserDeclined) {
		outcome = "declined"
	}
	metrics.RecordSubmission(string(r.mode), outcome)

	r.emit(Event{
		State:   StateFailed,
		Err:     &StageError{Stage: stage, Cause: cause, Partial: partial},
		Reason:  fmt.Sprintf("%s: %v", stage, cause),
		Partial: partial,
	})
	r.publish("milestone.failed", map[string]any{
		"id":         r.draft.ID,
		"campaignId": r.draft.CampaignID,
		"stage":      string(stage),
		"reason":     cause.Error(),
		"partial":    partial,
	})
	r.logger.Warn("submission failed",
		zap.String("stage", string(stage)),
		zap.Bool("partial", partial),
		zap.Error(cause),
	)
}

func (r *run) publishTerminal(record *model.Milestone) {
	payload := map[string]any{
		"id":         record.ID,
		"campaignId": record.CampaignID,
		"title":      record.Title,
		"status":     string(record.Status),
	}
	switch {
	case r.mode == ModeEdit && record.Status == model.StatusProposed:
		r.publish("milestone.proposed", payload)
	case r.mode == ModeEdit:
		r.publish("milestone.updated", payload)
	case r.mode == ModePropose:
		r.publish("milestone.proposed", payload)
	default:
		payload["txHash"] = record.TxHash
		r.publish("milestone.created", payload)
	}
}

func (r *run) publish(routingKey string, payload any) {
	if r.o.publisher == nil {
		return
	}
	if err := r.o.publisher.Publish(routingKey, payload); err != nil {
		r.logger.Warn("failed to publish lifecycle event", zap.String("routing_key", routingKey), zap.Error(err))
	}
}

func whitelisted(entries []config.WhitelistEntry, address string) bool {
	for _, e := range entries {
		if strings.EqualFold(e.Address, address) {
			return true
		}
	}
	return false
}

func randomEntry(entries []config.WhitelistEntry) string {
	if len(entries) == 0 {
		return ""
	}
	return entries[rand.Intn(len(entries))].Address
}

// NewDraftID assigns an id for drafts created through the API before any
// store write exists to mint one.
func NewDraftID() string { return uuid.NewString() }
