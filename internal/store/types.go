package store

import "time"

// EntityType enumerates who an Account belongs to (§3).
type EntityType string

const (
	EntityAgent EntityType = "agent"
	EntityUser  EntityType = "user"
	EntityOrg   EntityType = "org"
)

// LotSource enumerates where a Lot's credit originated.
type LotSource string

const (
	SourceGrant      LotSource = "grant"
	SourcePurchase   LotSource = "purchase"
	SourceX402       LotSource = "x402"
	SourceNowPayment LotSource = "nowpayments"
	SourceCreditBack LotSource = "creditback"
)

// LotStatus tracks a Lot's remaining-balance lifecycle.
type LotStatus string

const (
	LotActive   LotStatus = "active"
	LotExhausted LotStatus = "exhausted"
	LotExpired  LotStatus = "expired"
)

// EntryType enumerates the three kinds of append-only LotEntry writes.
type EntryType string

const (
	EntryCredit     EntryType = "credit"
	EntryDebit      EntryType = "debit"
	EntryCreditBack EntryType = "credit_back"
)

// ReservationStatus tracks a Reservation's terminal state.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationFinalized ReservationStatus = "finalized"
	ReservationCanceled  ReservationStatus = "canceled"
	ReservationExpired   ReservationStatus = "expired"
)

// BillingMode distinguishes live enforcement from shadow observation.
type BillingMode string

const (
	ModeLive   BillingMode = "live"
	ModeShadow BillingMode = "shadow"
)

// UsageSource enumerates where a UsageEvent's cost was attributed from.
type UsageSource string

const (
	UsageInference UsageSource = "inference"
	UsageX402      UsageSource = "x402"
	UsageBYOK      UsageSource = "byok"
)

// Account is the tenant-scoped owner of Lots and Reservations (§3).
type Account struct {
	ID         string
	EntityType EntityType
	EntityID   string
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Lot is a credit bucket minted from some external or internal source.
type Lot struct {
	ID            string
	AccountID     string
	Source        LotSource
	PaymentID     *string
	OriginalMicro int64
	RemainingMicro int64
	PoolID        *string
	CreatedAt     time.Time
	ExpiresAt     *time.Time
	Status        LotStatus
}

// LotEntry is an append-only ledger line against a single Lot.
type LotEntry struct {
	ID          string
	LotID       string
	AccountID   string
	Type        EntryType
	AmountMicro int64
	ReferenceID string
	CreatedAt   time.Time
}

// Reservation reserves budget against one or more Lots for a request.
type Reservation struct {
	ID            string
	AccountID     string
	PoolID        string
	RequestID     string
	ReservedMicro int64
	Status        ReservationStatus
	BillingMode   BillingMode
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// LotAllocation records how a Reservation was split across Lots, FIFO.
type LotAllocation struct {
	ID             string
	ReservationID  string
	LotID          string
	AllocatedMicro int64
	CreatedAt      time.Time
}

// UsageEvent is the authoritative per-request cost recorded at finalize.
type UsageEvent struct {
	ID          string
	AccountID   string
	ReferenceID string
	AmountMicro int64
	Source      UsageSource
	CreatedAt   time.Time
}

// WebhookEvent records a processed (or in-flight) provider callback for
// replay defense, UNIQUE(provider, event_id).
type WebhookEvent struct {
	ID          string
	Provider    string
	EventID     string
	EventType   string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// IdentityAnchor binds an agent account to an external identity proof,
// required above the high-value threshold.
type IdentityAnchor struct {
	AgentAccountID string
	AnchorHash     string
	ChainID        *string
	Contract       *string
	TokenID        *string
	Owner          *string
	CreatedBy      string
	CreatedAt      time.Time
}

// DistributionEntry is an immutable revenue split captured at finalize time.
type DistributionEntry struct {
	ID            string
	UsageEventID  string
	Recipient     string
	ShareMicro    int64
	SchemaVersion int32
}

// DriftEvent records an observed cache/store disagreement (§4.K).
type DriftEvent struct {
	ID          string
	AccountID   string
	Period      string
	DriftMicro  int64
	DetectedAt  time.Time
}
