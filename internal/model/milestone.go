package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ZeroAddress is the placeholder plugin address persisted until a milestone
// is attached to an on-chain plugin.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// MilestoneStatus is the lifecycle status of a milestone record.
type MilestoneStatus string

const (
	StatusPending   MilestoneStatus = "pending"
	StatusProposed  MilestoneStatus = "proposed"
	StatusRejected  MilestoneStatus = "rejected"
	StatusAccepted  MilestoneStatus = "accepted"
	StatusCompleted MilestoneStatus = "completed"
	StatusCanceled  MilestoneStatus = "canceled"
	StatusPaid      MilestoneStatus = "paid"
)

// Fiat is a supported fiat currency code. The set is closed: unsupported
// codes fail amount reconciliation instead of silently defaulting.
type Fiat string

const (
	FiatUSD Fiat = "USD"
	FiatEUR Fiat = "EUR"
	FiatGBP Fiat = "GBP"
	FiatCHF Fiat = "CHF"
	FiatMXN Fiat = "MXN"
	FiatTHB Fiat = "THB"
)

// SupportedFiats lists every accepted currency code.
var SupportedFiats = []Fiat{FiatUSD, FiatEUR, FiatGBP, FiatCHF, FiatMXN, FiatTHB}

// IsSupported reports whether f is one of the closed currency set.
func (f Fiat) IsSupported() bool {
	for _, s := range SupportedFiats {
		if f == s {
			return true
		}
	}
	return false
}

// Item is a dated, individually-proofed line item of an itemized milestone.
// Image may be a local handle until submission; after a successful submission
// it is always a persisted URL.
type Item struct {
	Date         time.Time       `json:"date"`
	Description  string          `json:"description"`
	FiatAmount   decimal.Decimal `json:"fiatAmount"`
	EtherAmount  decimal.Decimal `json:"etherAmount"`
	SelectedFiat Fiat            `json:"selectedFiat"`
	Image        string          `json:"image"`
}

// Milestone is the persisted milestone record. MaxAmount is stored as a wei
// string so the on-chain unit of account survives persistence exactly.
type Milestone struct {
	ID                      string          `json:"id"`
	Title                   string          `json:"title"`
	Description             string          `json:"description"`
	Summary                 string          `json:"summary"`
	Image                   string          `json:"image"`
	MaxAmount               string          `json:"maxAmount"`
	FiatAmount              decimal.Decimal `json:"fiatAmount"`
	SelectedFiat            Fiat            `json:"selectedFiat"`
	OwnerAddress            string          `json:"ownerAddress"`
	ReviewerAddress         string          `json:"reviewerAddress"`
	RecipientAddress        string          `json:"recipientAddress"`
	CampaignReviewerAddress string          `json:"campaignReviewerAddress"`
	CampaignOwnerAddress    string          `json:"campaignOwnerAddress,omitempty"`
	CampaignID              string          `json:"campaignId"`
	ProjectID               int64           `json:"projectId,omitempty"`
	Status                  MilestoneStatus `json:"status"`
	Items                   []Item          `json:"items"`
	ConversionRateTimestamp int64           `json:"ethConversionRateTimestamp"`
	TxHash                  string          `json:"txHash,omitempty"`
	PluginAddress           string          `json:"pluginAddress"`
	TotalDonated            string          `json:"totalDonated"`
	DonationCount           int             `json:"donationCount"`
	CreatedAt               time.Time       `json:"createdAt"`
	UpdatedAt               time.Time       `json:"updatedAt"`
}

// Draft is the mutable milestone draft owned by a single submission run.
type Draft struct {
	ID               string
	Title            string
	Description      string
	Summary          string
	Image            string
	UploadNewImage   bool
	Date             time.Time
	MaxAmount        decimal.Decimal
	FiatAmount       decimal.Decimal
	SelectedFiat     Fiat
	OwnerAddress     string
	ReviewerAddress  string
	RecipientAddress string
	CampaignID       string
	Items            []Item
	ItemizeMode      bool
}

// ItemizedTotal returns the sum of the items' crypto amounts. While itemize
// mode is active this is the only source of the draft's max amount.
func (d *Draft) ItemizedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, it := range d.Items {
		total = total.Add(it.EtherAmount)
	}
	return total
}

// AddItem appends a line item.
func (d *Draft) AddItem(it Item) {
	d.Items = append(d.Items, it)
}

// RemoveItem removes the line item at index i; out-of-range indexes are ignored.
func (d *Draft) RemoveItem(i int) {
	if i < 0 || i >= len(d.Items) {
		return
	}
	d.Items = append(d.Items[:i], d.Items[i+1:]...)
}

// IsLocalRef reports whether ref is a not-yet-uploaded local handle rather
// than a persisted URL.
func IsLocalRef(ref string) bool {
	return ref != "" && !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://")
}

// TruncateSummary shortens text to at most max characters, cutting at a word
// boundary and appending an ellipsis.
func TruncateSummary(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}
