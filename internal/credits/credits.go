// Package credits implements the purchase/settlement orchestration that
// coordinates the certificate verifier, the BTCPay client, and the
// ledger cache: the operations an operator process calls to turn
// Lightning payments into per-user API credits.
package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"tollbooth/internal/btcpay"
	"tollbooth/internal/certificate"
	"tollbooth/internal/ledger"
	"tollbooth/internal/ledgercache"
	"tollbooth/pkg/logger"

	"go.uber.org/zap"
)

// Gating limits shared across invoice creation, balance checks, and payouts.
const (
	MaxInvoiceSats         int64 = 1_000_000
	LowBalanceFloorApiSats int   = 100
	RoyaltyPayoutMaxSats   int64 = 100_000
)

// Tool cost tiers, integer api_sats per call.
const (
	ToolCostFree  = 0
	ToolCostRead  = 1
	ToolCostWrite = 5
	ToolCostHeavy = 10
)

const defaultTierName = "default"

const defaultRoyaltyRate = 0.02
const defaultRoyaltyMinSats int64 = 10

// TierInputs carries the two JSON-encoded tier mappings as strings, kept
// untyped at the call boundary so the transport layer can pass through
// whatever it already has on hand without marshaling intermediate types.
type TierInputs struct {
	TierConfigJSON string
	UserTiersJSON  string
}

// RoyaltyConfig configures the best-effort royalty side-payout. An
// empty Address disables it entirely.
type RoyaltyConfig struct {
	Address string
	Rate    float64
	MinSats int64
}

// RoyaltyResult reports what happened (if anything) when a settled
// invoice was considered for a royalty payout.
type RoyaltyResult struct {
	Attempted   bool
	RoyaltySats int64
	PayoutID    string
	Error       string
}

// Service coordinates the certificate verifier, the BTCPay client, and
// the ledger cache. Stores and verifier are peer components wired at
// construction time — Service treats each as an opaque capability.
type Service struct {
	btcpay   *btcpay.Client
	cache    *ledgercache.Cache
	verifier *certificate.Verifier
}

// NewService wires a Service from its three collaborators. verifier may
// be nil, meaning no Authority public key is configured — PurchaseCredits
// then refuses every call rather than run with trust disabled.
func NewService(client *btcpay.Client, cache *ledgercache.Cache, verifier *certificate.Verifier) *Service {
	return &Service{btcpay: client, cache: cache, verifier: verifier}
}

type tierEntry struct {
	CreditMultiplier *int `json:"credit_multiplier"`
}

// ResolveTier resolves a user's tier name and credit multiplier from
// the two JSON-encoded config strings. Malformed JSON in either input
// falls back to ("default", 1) with a warning logged, never an error —
// tier resolution must never block a purchase.
func ResolveTier(userID, tierConfigJSON, userTiersJSON string) (string, int) {
	var tierConfig map[string]tierEntry
	if err := json.Unmarshal([]byte(tierConfigJSON), &tierConfig); err != nil {
		logger.Warn("malformed btcpay_tier_config, falling back to default tier", zap.Error(err))
		return defaultTierName, 1
	}
	var userTiers map[string]string
	if err := json.Unmarshal([]byte(userTiersJSON), &userTiers); err != nil {
		logger.Warn("malformed btcpay_user_tiers, falling back to default tier", zap.Error(err))
		return defaultTierName, 1
	}

	tierName, ok := userTiers[userID]
	if !ok || tierName == "" {
		tierName = defaultTierName
	}

	entry, ok := tierConfig[tierName]
	if !ok {
		entry = tierConfig[defaultTierName]
	}
	multiplier := 1
	if entry.CreditMultiplier != nil {
		multiplier = *entry.CreditMultiplier
	}
	return tierName, multiplier
}

// PurchaseResult is the structured, never-raises result of a purchase
// attempt.
type PurchaseResult struct {
	Success         bool
	Error           string
	InvoiceID       string
	CheckoutLink    string
	ExpiresAt       *time.Time
	AmountSats      int64
	Tier            string
	Multiplier      int
	ExpectedCredits int64
}

// PurchaseCredits is the certified operator flow: it refuses to run
// without a configured Authority public key, verifies the caller's
// certificate, and uses the certificate's net_sats — never the caller-
// supplied amount — as the invoice amount.
func (s *Service) PurchaseCredits(ctx context.Context, userID string, tiers TierInputs, certToken string) PurchaseResult {
	if s.verifier == nil {
		return PurchaseResult{Success: false, Error: "authority public key is not configured"}
	}
	if certToken == "" {
		return PurchaseResult{Success: false, Error: "certificate token is required"}
	}

	claims, err := s.verifier.Verify(certToken)
	if err != nil {
		return PurchaseResult{Success: false, Error: err.Error()}
	}

	metadata := map[string]any{
		"user_id": userID,
		"purpose": "credit_purchase",
		"token_id": claims.JTI,
	}
	return s.purchase(ctx, userID, claims.NetSats, tiers, metadata)
}

// PurchaseTaxCredits is the Authority-side counterpart of
// PurchaseCredits: it skips certificate verification because it is
// invoked by the Authority itself against its own BTCPay store, where
// no third-party authorization is meaningful. Every other step is
// identical.
func (s *Service) PurchaseTaxCredits(ctx context.Context, userID string, tiers TierInputs, amountSats int64) PurchaseResult {
	metadata := map[string]any{
		"user_id": userID,
		"purpose": "credit_purchase",
	}
	return s.purchase(ctx, userID, amountSats, tiers, metadata)
}

func (s *Service) purchase(ctx context.Context, userID string, amountSats int64, tiers TierInputs, metadata map[string]any) PurchaseResult {
	if amountSats <= 0 {
		return PurchaseResult{Success: false, Error: "invoice amount must be positive"}
	}
	if amountSats > MaxInvoiceSats {
		return PurchaseResult{Success: false, Error: fmt.Sprintf("invoice amount %d exceeds maximum %d sats", amountSats, MaxInvoiceSats)}
	}

	tierName, multiplier := ResolveTier(userID, tiers.TierConfigJSON, tiers.UserTiersJSON)

	inv, err := s.btcpay.CreateInvoice(ctx, amountSats, metadata)
	if err != nil {
		return PurchaseResult{Success: false, Error: fmt.Sprintf("create invoice: %v", err)}
	}

	userLedger := s.cache.Get(ctx, userID)
	userLedger.RecordInvoiceCreated(inv.ID, amountSats, multiplier, time.Now().UTC().Format(time.RFC3339))
	userLedger.PendingInvoices = append(userLedger.PendingInvoices, inv.ID)
	s.cache.MarkDirty(userID)
	if !s.cache.FlushUser(ctx, userID) {
		logger.Warn("failed to flush ledger after recording pending invoice",
			zap.String("user_id", userID), zap.String("invoice_id", inv.ID))
	}

	var expiresAt *time.Time
	if inv.ExpirationTime > 0 {
		t := time.Unix(inv.ExpirationTime, 0).UTC()
		expiresAt = &t
	}

	return PurchaseResult{
		Success:         true,
		InvoiceID:       inv.ID,
		CheckoutLink:    inv.CheckoutLink,
		ExpiresAt:       expiresAt,
		AmountSats:      amountSats,
		Tier:            tierName,
		Multiplier:      multiplier,
		ExpectedCredits: amountSats * int64(multiplier),
	}
}

// CheckPaymentResult reports the outcome of polling one invoice.
type CheckPaymentResult struct {
	Success        bool
	Error          string
	Status         string
	CreditsGranted int
	BalanceApiSats int
	RoyaltyPayout  *RoyaltyResult
}

// CheckPayment polls BTCPay for invoiceID's current status and drives
// the invoice state machine: Settled credits once (idempotent via
// credited_invoices), Expired/Invalid remove the id from pending.
func (s *Service) CheckPayment(ctx context.Context, userID, invoiceID string, tiers TierInputs, royalty RoyaltyConfig) CheckPaymentResult {
	inv, err := s.btcpay.GetInvoice(ctx, invoiceID)
	if err != nil {
		return CheckPaymentResult{Success: false, Error: fmt.Sprintf("fetch invoice: %v", err)}
	}

	userLedger := s.cache.Get(ctx, userID)
	result := CheckPaymentResult{Success: true, Status: inv.Status}

	switch inv.Status {
	case "New", "Processing":
		// Informational only — nothing to mutate yet.

	case "Settled":
		if userLedger.IsCredited(invoiceID) {
			result.CreditsGranted = 0
		} else {
			amountSats := parseBTCPayAmount(inv.Amount)
			_, multiplier := ResolveTier(userID, tiers.TierConfigJSON, tiers.UserTiersJSON)
			credited := int(amountSats) * multiplier

			userLedger.CreditDeposit(credited, invoiceID)
			userLedger.RecordInvoiceSettled(invoiceID, credited, time.Now().UTC().Format(time.RFC3339), inv.Status)
			s.cache.MarkDirty(userID)
			if !s.cache.FlushUser(ctx, userID) {
				logger.Error("failed to flush ledger after settlement — credits may be lost on restart",
					zap.String("user_id", userID), zap.String("invoice_id", invoiceID), zap.Int("credited_api_sats", credited))
			}

			result.CreditsGranted = credited
			result.RoyaltyPayout = s.attemptRoyaltyPayout(ctx, amountSats, royalty)
		}

	case "Expired", "Invalid":
		status := ledger.InvoiceStatusExpired
		if inv.Status == "Invalid" {
			status = ledger.InvoiceStatusInvalid
		}
		userLedger.RemovePendingInvoice(invoiceID)
		userLedger.RecordInvoiceTerminal(invoiceID, status, inv.Status)
		s.cache.MarkDirty(userID)
		if !s.cache.FlushUser(ctx, userID) {
			logger.Warn("failed to flush ledger after invoice reached a terminal state",
				zap.String("user_id", userID), zap.String("invoice_id", invoiceID), zap.String("status", inv.Status))
		}
	}

	result.BalanceApiSats = userLedger.BalanceApiSats
	return result
}

// attemptRoyaltyPayout issues the best-effort side-payout on a settled
// invoice's real amount_sats. It never fails the settlement: provider
// errors and a too-large royalty both come back as a RoyaltyResult.Error,
// not a returned error.
func (s *Service) attemptRoyaltyPayout(ctx context.Context, amountSats int64, cfg RoyaltyConfig) *RoyaltyResult {
	if cfg.Address == "" {
		return nil
	}
	rate := cfg.Rate
	if rate == 0 {
		rate = defaultRoyaltyRate
	}
	minSats := cfg.MinSats
	if minSats == 0 {
		minSats = defaultRoyaltyMinSats
	}

	royalty := int64(math.Floor(float64(amountSats) * rate))
	if royalty < minSats {
		return nil
	}
	if royalty > RoyaltyPayoutMaxSats {
		return &RoyaltyResult{
			Attempted:   false,
			RoyaltySats: royalty,
			Error:       fmt.Sprintf("royalty %d sats exceeds payout ceiling %d sats, refusing", royalty, RoyaltyPayoutMaxSats),
		}
	}

	payout, err := s.btcpay.CreatePayout(ctx, cfg.Address, royalty, "BTC-LN")
	if err != nil {
		logger.Warn("royalty payout failed", zap.Int64("royalty_sats", royalty), zap.Error(err))
		return &RoyaltyResult{Attempted: true, RoyaltySats: royalty, Error: err.Error()}
	}
	return &RoyaltyResult{Attempted: true, RoyaltySats: royalty, PayoutID: payout.ID}
}

// parseBTCPayAmount parses BTCPay's string invoice amount as a float
// before truncating to integer satoshis — never multiply before
// truncation, or rounding compounds across the tier multiplier.
func parseBTCPayAmount(amount string) int64 {
	f, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return 0
	}
	return int64(f)
}

// RestoreResult reports how credits were recovered, if at all.
type RestoreResult struct {
	Success        bool
	Error          string
	Source         string // "idempotent", "vault_record", "btcpay"
	CreditsGranted int
	BalanceApiSats int
}

// RestoreCredits is the recovery path for a user who paid but whose
// crediting never persisted. It checks, in order: idempotency
// (already credited), the local invoice record (if settled with known
// credits), then falls back to asking BTCPay directly.
func (s *Service) RestoreCredits(ctx context.Context, userID, invoiceID string, tiers TierInputs) RestoreResult {
	userLedger := s.cache.Get(ctx, userID)

	if userLedger.IsCredited(invoiceID) {
		return RestoreResult{Success: true, Source: "idempotent", BalanceApiSats: userLedger.BalanceApiSats}
	}

	if rec, ok := userLedger.Invoices[invoiceID]; ok && rec.Status == ledger.InvoiceStatusSettled && rec.ApiSatsCredited > 0 {
		userLedger.CreditDeposit(rec.ApiSatsCredited, invoiceID)
		s.cache.MarkDirty(userID)
		if !s.cache.FlushUser(ctx, userID) {
			logger.Error("failed to flush ledger after restoring credits from local invoice record",
				zap.String("user_id", userID), zap.String("invoice_id", invoiceID), zap.Int("credited_api_sats", rec.ApiSatsCredited))
		}
		return RestoreResult{
			Success:        true,
			Source:         "vault_record",
			CreditsGranted: rec.ApiSatsCredited,
			BalanceApiSats: userLedger.BalanceApiSats,
		}
	}

	inv, err := s.btcpay.GetInvoice(ctx, invoiceID)
	if err != nil {
		return RestoreResult{Success: false, Error: fmt.Sprintf("fetch invoice: %v", err)}
	}
	if inv.Status != "Settled" {
		return RestoreResult{Success: false, Error: fmt.Sprintf("invoice %s is %s, not settled", invoiceID, inv.Status)}
	}

	amountSats := parseBTCPayAmount(inv.Amount)
	_, multiplier := ResolveTier(userID, tiers.TierConfigJSON, tiers.UserTiersJSON)
	credited := int(amountSats) * multiplier

	userLedger.CreditDeposit(credited, invoiceID)
	userLedger.RecordInvoiceSettled(invoiceID, credited, time.Now().UTC().Format(time.RFC3339), inv.Status)
	s.cache.MarkDirty(userID)
	if !s.cache.FlushUser(ctx, userID) {
		logger.Error("failed to flush ledger after restoring credits from btcpay",
			zap.String("user_id", userID), zap.String("invoice_id", invoiceID), zap.Int("credited_api_sats", credited))
	}

	return RestoreResult{
		Success:        true,
		Source:         "btcpay",
		CreditsGranted: credited,
		BalanceApiSats: userLedger.BalanceApiSats,
	}
}

// ReconcileResult summarizes a pending-invoice sweep.
type ReconcileResult struct {
	Credited       []string
	Terminal       []string
	Skipped        []string
	BalanceApiSats int
}

// ReconcilePending sweeps every pending invoice for userID at startup:
// settled-and-uncredited invoices are credited, expired/invalid ones
// are marked terminal, and provider errors skip that id rather than
// failing the whole sweep. A single synchronous flush follows.
func (s *Service) ReconcilePending(ctx context.Context, userID string, tiers TierInputs) ReconcileResult {
	userLedger := s.cache.Get(ctx, userID)
	result := ReconcileResult{}

	pending := append([]string(nil), userLedger.PendingInvoices...)
	for _, invoiceID := range pending {
		inv, err := s.btcpay.GetInvoice(ctx, invoiceID)
		if err != nil {
			logger.Warn("reconcile: failed to fetch pending invoice, skipping",
				zap.String("user_id", userID), zap.String("invoice_id", invoiceID), zap.Error(err))
			result.Skipped = append(result.Skipped, invoiceID)
			continue
		}

		switch inv.Status {
		case "Settled":
			if userLedger.IsCredited(invoiceID) {
				userLedger.RemovePendingInvoice(invoiceID)
				continue
			}
			amountSats := parseBTCPayAmount(inv.Amount)
			_, multiplier := ResolveTier(userID, tiers.TierConfigJSON, tiers.UserTiersJSON)
			credited := int(amountSats) * multiplier
			userLedger.CreditDeposit(credited, invoiceID)
			userLedger.RecordInvoiceSettled(invoiceID, credited, time.Now().UTC().Format(time.RFC3339), inv.Status)
			result.Credited = append(result.Credited, invoiceID)

		case "Expired", "Invalid":
			status := ledger.InvoiceStatusExpired
			if inv.Status == "Invalid" {
				status = ledger.InvoiceStatusInvalid
			}
			userLedger.RemovePendingInvoice(invoiceID)
			userLedger.RecordInvoiceTerminal(invoiceID, status, inv.Status)
			result.Terminal = append(result.Terminal, invoiceID)

		default:
			// New/Processing: leave pending for a future sweep.
		}
	}

	s.cache.MarkDirty(userID)
	if !s.cache.FlushUser(ctx, userID) {
		logger.Warn("reconcile: failed to flush ledger after sweep", zap.String("user_id", userID))
	}

	result.BalanceApiSats = userLedger.BalanceApiSats
	return result
}

// InvoiceSummary aggregates invoice counts/totals for CheckBalance.
type InvoiceSummary struct {
	PendingCount        int
	SettledCount        int
	SettledTotalApiSats int
}

// LowBalanceAdvisory is returned when a user's balance has fallen
// below their derived low-balance threshold.
type LowBalanceAdvisory struct {
	Threshold          int
	SuggestedTopUpSats int64
	Message            string
}

// BalanceResult is the read-only report returned by CheckBalance.
type BalanceResult struct {
	BalanceApiSats        int
	TotalDepositedApiSats int
	TotalConsumedApiSats  int
	PendingCount          int
	LastDepositAt         *string
	Tier                  string
	Multiplier            int
	TodayUsage            map[string]ledger.ToolUsage
	Invoices              InvoiceSummary
	HasSeedBalance        bool
	Advisory              *LowBalanceAdvisory
}

// CheckBalance is a read-only report of a user's current standing.
// seedBalanceApiSats is the configured starter balance, used only to
// derive a low-balance threshold when the user has no settled invoice
// yet but does carry the seed-balance sentinel.
func (s *Service) CheckBalance(ctx context.Context, userID string, tiers TierInputs, seedBalanceApiSats int) BalanceResult {
	userLedger := s.cache.Get(ctx, userID)
	tierName, multiplier := ResolveTier(userID, tiers.TierConfigJSON, tiers.UserTiersJSON)

	today := time.Now().UTC().Format("2006-01-02")
	var todayUsage map[string]ledger.ToolUsage
	if dayLog, ok := userLedger.DailyLog[today]; ok && len(dayLog) > 0 {
		todayUsage = make(map[string]ledger.ToolUsage, len(dayLog))
		for tool, usage := range dayLog {
			todayUsage[tool] = *usage
		}
	}

	var summary InvoiceSummary
	for _, rec := range userLedger.Invoices {
		switch rec.Status {
		case ledger.InvoiceStatusPending:
			summary.PendingCount++
		case ledger.InvoiceStatusSettled:
			summary.SettledCount++
			summary.SettledTotalApiSats += rec.ApiSatsCredited
		}
	}

	return BalanceResult{
		BalanceApiSats:        userLedger.BalanceApiSats,
		TotalDepositedApiSats: userLedger.TotalDepositedApiSats,
		TotalConsumedApiSats:  userLedger.TotalConsumedApiSats,
		PendingCount:          len(userLedger.PendingInvoices),
		LastDepositAt:         userLedger.LastDepositAt,
		Tier:                  tierName,
		Multiplier:            multiplier,
		TodayUsage:            todayUsage,
		Invoices:              summary,
		HasSeedBalance:        userLedger.HasSeedBalance(),
		Advisory:              lowBalanceAdvisory(userLedger, seedBalanceApiSats),
	}
}

// lowBalanceAdvisory derives a threshold from the most recent settled
// invoice (else the seed balance, else the configured floor) and
// returns an advisory only when the current balance has fallen below it.
func lowBalanceAdvisory(l *ledger.UserLedger, seedBalanceApiSats int) *LowBalanceAdvisory {
	var latest *ledger.InvoiceRecord
	for _, rec := range l.Invoices {
		if rec.Status != ledger.InvoiceStatusSettled || rec.SettledAt == nil {
			continue
		}
		if latest == nil || *rec.SettledAt > *latest.SettledAt {
			latest = rec
		}
	}

	reference := 0
	var topUpCandidate int64
	haveCandidate := false
	switch {
	case latest != nil:
		reference = latest.ApiSatsCredited
		topUpCandidate = latest.AmountSats
		haveCandidate = true
	case l.HasSeedBalance():
		reference = seedBalanceApiSats
	}
	if reference <= 0 {
		reference = LowBalanceFloorApiSats
	}

	threshold := reference / 5
	if threshold < LowBalanceFloorApiSats {
		threshold = LowBalanceFloorApiSats
	}

	if l.BalanceApiSats >= threshold {
		return nil
	}

	topUp := int64(1000)
	if haveCandidate && topUpCandidate > 0 {
		topUp = topUpCandidate
	}
	if topUp > MaxInvoiceSats {
		topUp = MaxInvoiceSats
	}

	return &LowBalanceAdvisory{
		Threshold:          threshold,
		SuggestedTopUpSats: topUp,
		Message: fmt.Sprintf("balance %d api_sats is below the advisory threshold of %d api_sats; consider topping up",
			l.BalanceApiSats, threshold),
	}
}

// Permission strings BTCPay's Greenfield API expects for this core's
// operations, reported back by Status so an operator can see at a
// glance whether the configured API key actually grants them.
const (
	permCreateInvoice  = "btcpay.store.cancreateinvoice"
	permViewInvoices   = "btcpay.store.canviewinvoices"
	permCreatePullPays = "btcpay.store.cancreatenonapprovedpullpayments"
)

// StatusConfig is the diagnostic input for Status — the subset of
// config this module needs to report on, without depending on the
// config package directly.
type StatusConfig struct {
	ProviderHost          string
	StoreID               string
	APIKeyPresent         bool
	TierConfigJSON        string
	UserTiersJSON         string
	AuthorityPublicKeyRaw string
	RoyaltyAddress        string
	Version               string
}

// StatusResult is the diagnostic report returned by Status.
type StatusResult struct {
	ProviderHost         string
	ProviderReachable    bool
	StoreID              string
	StoreName            string
	APIKeyPresent        bool
	TierConfigValid      bool
	UserTierConfigValid  bool
	Permissions          []string
	MissingPermissions   []string
	AuthorityConfigured  bool
	AuthorityFingerprint string
	AuthorityKeyValid    bool
	RoyaltyEnabled       bool
	RoyaltyAddress       string
	Version              string
}

// Status is a purely diagnostic operation: it probes BTCPay
// connectivity and credential permissions, validates the tier configs,
// and reports the Authority trust anchor's configuration state. It
// never mutates any ledger.
func (s *Service) Status(ctx context.Context, cfg StatusConfig) StatusResult {
	result := StatusResult{
		ProviderHost:   cfg.ProviderHost,
		StoreID:        cfg.StoreID,
		APIKeyPresent:  cfg.APIKeyPresent,
		Version:        cfg.Version,
		RoyaltyEnabled: cfg.RoyaltyAddress != "",
		RoyaltyAddress: cfg.RoyaltyAddress,
	}

	result.TierConfigValid = isValidJSONObject(cfg.TierConfigJSON)
	result.UserTierConfigValid = isValidJSONObject(cfg.UserTiersJSON)

	if _, err := s.btcpay.Health(ctx); err == nil {
		result.ProviderReachable = true
	}

	if store, err := s.btcpay.GetStore(ctx); err == nil {
		result.StoreName = store.Name
	} else {
		result.StoreName = "unauthorized"
	}

	required := []string{permCreateInvoice, permViewInvoices}
	if result.RoyaltyEnabled {
		required = append(required, permCreatePullPays)
	}

	if info, err := s.btcpay.GetAPIKeyInfo(ctx); err == nil {
		result.Permissions = info.Permissions
		have := make(map[string]struct{}, len(info.Permissions))
		for _, p := range info.Permissions {
			have[p] = struct{}{}
		}
		for _, perm := range required {
			if _, ok := have[perm]; !ok {
				result.MissingPermissions = append(result.MissingPermissions, perm)
			}
		}
	} else {
		result.MissingPermissions = required
	}

	result.AuthorityConfigured = s.verifier != nil
	result.AuthorityKeyValid = s.verifier != nil
	if cfg.AuthorityPublicKeyRaw != "" {
		result.AuthorityFingerprint = certificate.KeyFingerprint(cfg.AuthorityPublicKeyRaw)
	}

	return result
}

func isValidJSONObject(raw string) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal([]byte(raw), &m) == nil
}
