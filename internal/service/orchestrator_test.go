package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"milestone-service/internal/chain"
	"milestone-service/internal/currency"
	"milestone-service/internal/model"
	"milestone-service/pkg/config"
)

const (
	testOwner     = "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1"
	testReviewer  = "0xFFcf8FDEE72ac11b5c542428B35EEF5769C409f0"
	testRecipient = "0x22d491Bde2303f2f43325b2108D26f1eAbA1e32b"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*model.Milestone
	creates int
	patches []map[string]any
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*model.Milestone{}}
}

func (s *fakeStore) Create(ctx context.Context, m *model.Milestone) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	if m.ID == "" {
		m.ID = fmt.Sprintf("m-%d", s.creates)
	}
	cp := *m
	s.records[m.ID] = &cp
	return m.ID, nil
}

func (s *fakeStore) Patch(ctx context.Context, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return errors.New("record not found")
	}
	s.patches = append(s.patches, fields)
	if status, ok := fields["status"].(string); ok {
		s.records[id].Status = model.MilestoneStatus(status)
	}
	return nil
}

func (s *fakeStore) FindByID(ctx context.Context, id string) (*model.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[id]
	if !ok {
		return nil, errors.New("record not found")
	}
	cp := *m
	return &cp, nil
}

func (s *fakeStore) createCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

type fakeCampaigns struct {
	campaign *model.Campaign
}

func (c *fakeCampaigns) Get(ctx context.Context, id string) (*model.Campaign, error) {
	if c.campaign == nil {
		return nil, errors.New("campaign not found")
	}
	return c.campaign, nil
}

type fakeUploader struct {
	mu    sync.Mutex
	calls int
	fail  map[string]bool
}

func (u *fakeUploader) Upload(ctx context.Context, localRef string) (string, error) {
	u.mu.Lock()
	u.calls++
	shouldFail := u.fail[localRef]
	u.mu.Unlock()
	if shouldFail {
		return "", errors.New("upload failed: " + localRef)
	}
	return "https://cdn.example.org/" + localRef, nil
}

func (u *fakeUploader) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	ptx   *chain.PendingTx
	err   error
	calls int
	last  chain.AddMilestoneCall
}

func (b *fakeBroadcaster) Broadcast(ctx context.Context, call chain.AddMilestoneCall) (*chain.PendingTx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.last = call
	if b.err != nil {
		return nil, b.err
	}
	return b.ptx, nil
}

type fakeRates struct{}

func (fakeRates) Get(ctx context.Context, date time.Time) (*currency.RateEntry, error) {
	return &currency.RateEntry{
		Timestamp: currency.DayKey(date),
		Rates: map[model.Fiat]decimal.Decimal{
			model.FiatEUR: decimal.NewFromInt(20),
			model.FiatUSD: decimal.NewFromInt(25),
		},
	}, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *fakePublisher) Publish(routingKey string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *fakePublisher) published(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys {
		if k == key {
			return true
		}
	}
	return false
}

type fixture struct {
	store     *fakeStore
	campaigns *fakeCampaigns
	uploader  *fakeUploader
	broadcast *fakeBroadcaster
	publisher *fakePublisher
	whitelist config.WhitelistConfig
}

func newFixture() *fixture {
	return &fixture{
		store: newFakeStore(),
		campaigns: &fakeCampaigns{campaign: &model.Campaign{
			ID:              "c1",
			Title:           "Clean water",
			ProjectID:       42,
			ReviewerAddress: "0xCampaignReviewer",
			OwnerAddress:    "0xCampaignOwner",
		}},
		uploader:  &fakeUploader{fail: map[string]bool{}},
		broadcast: &fakeBroadcaster{ptx: confirmedTx()},
		publisher: &fakePublisher{},
		whitelist: config.WhitelistConfig{
			Reviewers:     []config.WhitelistEntry{{Address: testReviewer, Name: "Rev"}},
			ProjectOwners: []config.WhitelistEntry{{Address: testOwner, Name: "Owner"}},
		},
	}
}

func confirmedTx() *chain.PendingTx {
	hash := common.HexToHash("0xabc")
	pending := make(chan common.Hash, 1)
	pending <- hash
	done := make(chan chain.TxResult, 1)
	done <- chain.TxResult{Confirmed: true}
	return &chain.PendingTx{Hash: hash, Pending: pending, Done: done}
}

func (f *fixture) orchestrator(timeout time.Duration) *Orchestrator {
	return NewOrchestrator(Deps{
		Store:     f.store,
		Campaigns: f.campaigns,
		Uploader:  f.uploader,
		Broadcast: f.broadcast,
		Rates:     fakeRates{},
		Publisher: f.publisher,
	}, f.whitelist, timeout, zap.NewNop())
}

func newDraft() *model.Draft {
	return &model.Draft{
		ID:               "d1",
		Title:            "Drill the well",
		Description:      "Drill a well for the village",
		Summary:          "Drill a well",
		FiatAmount:       decimal.NewFromInt(100),
		SelectedFiat:     model.FiatEUR,
		OwnerAddress:     testOwner,
		ReviewerAddress:  testReviewer,
		RecipientAddress: testRecipient,
		CampaignID:       "c1",
	}
}

func confirmYes(ctx context.Context, d *model.Draft) (bool, error) { return true, nil }
func confirmNo(ctx context.Context, d *model.Draft) (bool, error)  { return false, nil }

func drain(t *testing.T, events <-chan Event) ([]Event, Event) {
	t.Helper()
	var all []Event
	var terminal Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				require.NotEmpty(t, terminal.State, "channel closed without a terminal event")
				return all, terminal
			}
			all = append(all, ev)
			if ev.State == StateSucceeded || ev.State == StateFailed {
				terminal = ev
			}
		case <-deadline:
			t.Fatal("orchestrator never reached a terminal state")
		}
	}
}

func stateIndex(events []Event, s State) int {
	for i, ev := range events {
		if ev.State == s {
			return i
		}
	}
	return -1
}

func TestDirectCreationPersistsPendingHashBeforeConfirmation(t *testing.T) {
	f := newFixture()
	draft := newDraft()

	events, err := f.orchestrator(0).Start(context.Background(), draft, ModeNew, confirmYes)
	require.NoError(t, err)
	all, terminal := drain(t, events)

	require.Equal(t, StateSucceeded, terminal.State)
	record := terminal.Record
	require.NotNil(t, record)

	// 100 EUR at 20 EUR/ETH is 5 ETH, stored in wei.
	require.Equal(t, "5000000000000000000", record.MaxAmount)
	require.Equal(t, model.StatusPending, record.Status)
	require.Equal(t, common.HexToHash("0xabc").Hex(), record.TxHash)

	// The record lands at pending, before the terminal event is consumed.
	require.Equal(t, 1, f.store.createCount())
	awaiting := stateIndex(all, StateAwaitingPending)
	persisting := stateIndex(all, StatePersisting)
	require.GreaterOrEqual(t, awaiting, 0)
	require.Greater(t, persisting, awaiting)

	require.Equal(t, uint64(42), f.broadcast.last.ParentProjectID)
	require.True(t, f.publisher.published("milestone.pending"))
	require.True(t, f.publisher.published("milestone.created"))
}

func TestDeclinedConfirmationHasNoSideEffects(t *testing.T) {
	f := newFixture()
	draft := newDraft()

	events, err := f.orchestrator(0).Start(context.Background(), draft, ModePropose, confirmNo)
	require.NoError(t, err)
	_, terminal := drain(t, events)

	require.Equal(t, StateFailed, terminal.State)
	require.ErrorIs(t, terminal.Err, ErrUserDeclined)
	require.False(t, terminal.Partial)

	require.Equal(t, 0, f.store.createCount())
	require.Equal(t, 0, f.uploader.callCount())
	require.Equal(t, 0, f.broadcast.calls)
	require.True(t, draft.FiatAmount.Equal(decimal.NewFromInt(100)), "draft must be unchanged")
}

func TestItemUploadFailureFailsBeforeAnyStoreWrite(t *testing.T) {
	f := newFixture()
	f.uploader.fail["a.png"] = true

	draft := newDraft()
	draft.ItemizeMode = true
	draft.Items = []model.Item{
		{Description: "pipes", EtherAmount: decimal.NewFromInt(1), Image: "a.png"},
		{Description: "pump", EtherAmount: decimal.NewFromInt(2), Image: "b.png"},
	}

	events, err := f.orchestrator(0).Start(context.Background(), draft, ModePropose, confirmYes)
	require.NoError(t, err)
	_, terminal := drain(t, events)

	require.Equal(t, StateFailed, terminal.State)
	var stage *StageError
	require.ErrorAs(t, terminal.Err, &stage)
	require.Equal(t, StateUploadingItemImages, stage.Stage)

	// Every upload settles before the stage fails, and nothing is persisted.
	require.Equal(t, 2, f.uploader.callCount())
	require.Equal(t, 0, f.store.createCount())
}

func TestProposalPersistsProposedRecord(t *testing.T) {
	f := newFixture()
	draft := newDraft()

	events, err := f.orchestrator(0).Start(context.Background(), draft, ModePropose, confirmYes)
	require.NoError(t, err)
	_, terminal := drain(t, events)

	require.Equal(t, StateSucceeded, terminal.State)
	record := terminal.Record
	require.Equal(t, model.StatusProposed, record.Status)
	require.Equal(t, model.ZeroAddress, record.PluginAddress)
	require.Equal(t, "0", record.TotalDonated)
	require.Equal(t, 0, record.DonationCount)
	require.Equal(t, "0xCampaignReviewer", record.CampaignReviewerAddress)
	require.Equal(t, "0xCampaignOwner", record.CampaignOwnerAddress)

	require.Equal(t, 0, f.broadcast.calls, "proposals never broadcast")
	require.True(t, f.publisher.published("milestone.proposed"))
}

func TestEditSkipsConfirmationAndPatches(t *testing.T) {
	f := newFixture()
	existing := &model.Milestone{
		ID:           "m7",
		Title:        "Old title",
		OwnerAddress: testOwner,
		Status:       model.StatusPending,
		CampaignID:   "c1",
	}
	f.store.records["m7"] = existing

	draft := newDraft()
	draft.ID = "m7"

	events, err := f.orchestrator(0).Start(context.Background(), draft, ModeEdit, nil)
	require.NoError(t, err)
	_, terminal := drain(t, events)

	require.Equal(t, StateSucceeded, terminal.State)
	require.Len(t, f.store.patches, 1)
	require.Equal(t, "pending", f.store.patches[0]["status"])
	require.True(t, f.publisher.published("milestone.updated"))
}

func TestEditPreservesStoredStatus(t *testing.T) {
	// Only the store decides the status of an edited record; whatever the
	// caller claims, a plain edit leaves it exactly where it was.
	for _, status := range []model.MilestoneStatus{
		model.StatusPending,
		model.StatusProposed,
		model.StatusAccepted,
		model.StatusPaid,
	} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture()
			f.store.records["m7"] = &model.Milestone{
				ID:           "m7",
				Title:        "Old title",
				OwnerAddress: testOwner,
				Status:       status,
				CampaignID:   "c1",
			}

			draft := newDraft()
			draft.ID = "m7"

			events, err := f.orchestrator(0).Start(context.Background(), draft, ModeEdit, confirmYes)
			require.NoError(t, err)
			_, terminal := drain(t, events)

			require.Equal(t, StateSucceeded, terminal.State)
			require.Equal(t, status, terminal.Record.Status)

			stored, err := f.store.FindByID(context.Background(), "m7")
			require.NoError(t, err)
			require.Equal(t, status, stored.Status)
		})
	}
}

func TestEditByNonOwnerFails(t *testing.T) {
	f := newFixture()
	f.store.records["m7"] = &model.Milestone{
		ID:           "m7",
		OwnerAddress: "0xSomebodyElse",
		Status:       model.StatusPending,
	}

	draft := newDraft()
	draft.ID = "m7"

	events, err := f.orchestrator(0).Start(context.Background(), draft, ModeEdit, nil)
	require.NoError(t, err)
	_, terminal := drain(t, events)

	require.Equal(t, StateFailed, terminal.State)
	require.Empty(t, f.store.patches)
}

func TestRejectedResubmissionRerunsConfirmationGate(t *testing.T) {
	setup := func() (*fixture, *model.Draft) {
		f := newFixture()
		f.store.records["m9"] = &model.Milestone{
			ID:           "m9",
			OwnerAddress: testOwner,
			Status:       model.StatusRejected,
			CampaignID:   "c1",
		}
		draft := newDraft()
		draft.ID = "m9"
		return f, draft
	}

	t.Run("declined", func(t *testing.T) {
		f, draft := setup()
		events, err := f.orchestrator(0).Start(context.Background(), draft, ModeEdit, confirmNo)
		require.NoError(t, err)
		_, terminal := drain(t, events)

		require.Equal(t, StateFailed, terminal.State)
		require.ErrorIs(t, terminal.Err, ErrUserDeclined)
		require.Empty(t, f.store.patches)
	})

	t.Run("confirmed becomes proposed", func(t *testing.T) {
		f, draft := setup()
		events, err := f.orchestrator(0).Start(context.Background(), draft, ModeEdit, confirmYes)
		require.NoError(t, err)
		_, terminal := drain(t, events)

		require.Equal(t, StateSucceeded, terminal.State)
		require.Equal(t, model.StatusProposed, terminal.Record.Status)
	})
}

func TestUnregisteredCampaignFailsBeforeUploads(t *testing.T) {
	f := newFixture()
	f.campaigns.campaign.ProjectID = 0

	events, err := f.orchestrator(0).Start(context.Background(), newDraft(), ModePropose, confirmYes)
	require.NoError(t, err)
	_, terminal := drain(t, events)

	require.Equal(t, StateFailed, terminal.State)
	var stage *StageError
	require.ErrorAs(t, terminal.Err, &stage)
	require.Equal(t, StateReconcilingAmounts, stage.Stage)
	require.Equal(t, 0, f.uploader.callCount())
}

func TestDirectCreationRequiresWhitelistedOwner(t *testing.T) {
	f := newFixture()
	f.whitelist.ProjectOwners = nil

	events, err := f.orchestrator(0).Start(context.Background(), newDraft(), ModeNew, confirmYes)
	require.NoError(t, err)
	_, terminal := drain(t, events)

	require.Equal(t, StateFailed, terminal.State)
	require.Equal(t, 0, f.broadcast.calls)
	require.Equal(t, 0, f.store.createCount())
}

func TestBroadcastRejectionFailsWithoutStoreWrite(t *testing.T) {
	f := newFixture()
	f.broadcast.err = &chain.RejectedError{Reason: "insufficient funds"}

	events, err := f.orchestrator(0).Start(context.Background(), newDraft(), ModeNew, confirmYes)
	require.NoError(t, err)
	_, terminal := drain(t, events)

	require.Equal(t, StateFailed, terminal.State)
	var stage *StageError
	require.ErrorAs(t, terminal.Err, &stage)
	require.Equal(t, StateBroadcasting, stage.Stage)
	require.Equal(t, 0, f.store.createCount())
}

func TestBroadcastTimeoutIsPartialFailure(t *testing.T) {
	f := newFixture()
	// Channels that never fire: the network never accepted the transaction.
	f.broadcast.ptx = &chain.PendingTx{
		Pending: make(chan common.Hash),
		Done:    make(chan chain.TxResult),
	}

	events, err := f.orchestrator(50*time.Millisecond).Start(context.Background(), newDraft(), ModeNew, confirmYes)
	require.NoError(t, err)
	_, terminal := drain(t, events)

	require.Equal(t, StateFailed, terminal.State)
	require.ErrorIs(t, terminal.Err, ErrBroadcastTimeout)
	require.True(t, terminal.Partial, "the transaction may still be in flight")
}

func TestOrchestratorIsSingleUse(t *testing.T) {
	f := newFixture()
	o := f.orchestrator(0)

	events, err := o.Start(context.Background(), newDraft(), ModePropose, confirmYes)
	require.NoError(t, err)
	drain(t, events)

	_, err = o.Start(context.Background(), newDraft(), ModePropose, confirmYes)
	require.Error(t, err)
}

func TestMilestoneImageUploadedWhenChanged(t *testing.T) {
	f := newFixture()
	draft := newDraft()
	draft.Image = "milestone.png"
	draft.UploadNewImage = true

	events, err := f.orchestrator(0).Start(context.Background(), draft, ModePropose, confirmYes)
	require.NoError(t, err)
	_, terminal := drain(t, events)

	require.Equal(t, StateSucceeded, terminal.State)
	require.Equal(t, "https://cdn.example.org/milestone.png", terminal.Record.Image)
	require.Equal(t, 1, f.uploader.callCount())
}

func TestUnchangedImageSkipsUploadStage(t *testing.T) {
	f := newFixture()
	draft := newDraft()
	draft.Image = "https://cdn.example.org/existing.png"

	events, err := f.orchestrator(0).Start(context.Background(), draft, ModePropose, confirmYes)
	require.NoError(t, err)
	all, terminal := drain(t, events)

	require.Equal(t, StateSucceeded, terminal.State)
	require.Equal(t, -1, stateIndex(all, StateUploadingMilestoneImage))
	require.Equal(t, 0, f.uploader.callCount())
}

func TestItemizedDraftPersistsItemizedTotal(t *testing.T) {
	f := newFixture()
	draft := newDraft()
	draft.ItemizeMode = true
	draft.Items = []model.Item{
		{Description: "pipes", EtherAmount: decimal.NewFromInt(1)},
		{Description: "pump", EtherAmount: decimal.RequireFromString("2.5")},
	}

	events, err := f.orchestrator(0).Start(context.Background(), draft, ModePropose, confirmYes)
	require.NoError(t, err)
	_, terminal := drain(t, events)

	require.Equal(t, StateSucceeded, terminal.State)
	require.Equal(t, "3500000000000000000", terminal.Record.MaxAmount)
}
