// Package ledger implements the per-user credit ledger for tool-call
// metering. It is pure data model — no I/O, no network calls. All
// api_sats values are integer API credits, never real Bitcoin satoshis.
// Real BTC amounts carry the amount_sats name and only appear on
// InvoiceRecord.
package ledger

import (
	"encoding/json"
	"time"
)

const schemaVersion = 3

const (
	InvoiceStatusPending = "Pending"
	InvoiceStatusSettled = "Settled"
	InvoiceStatusExpired = "Expired"
	InvoiceStatusInvalid = "Invalid"
)

// SeedBalanceInvoiceID is the sentinel invoice id used to credit a
// user's one-time starter balance via CreditDeposit. Callers must check
// !IsCredited(SeedBalanceInvoiceID) before applying the seed — the
// ledger itself does not enforce non-duplication of deposits.
const SeedBalanceInvoiceID = "seed_balance_v1"

// ToolUsage is an aggregate usage counter for a single tool.
type ToolUsage struct {
	Calls    int `json:"calls"`
	ApiSats  int `json:"api_sats"`
}

// InvoiceRecord is an append-only record of a single BTCPay invoice.
type InvoiceRecord struct {
	InvoiceID        string  `json:"invoice_id"`
	AmountSats       int64   `json:"amount_sats"`
	ApiSatsCredited  int     `json:"api_sats_credited"`
	Multiplier       int     `json:"multiplier"`
	Status           string  `json:"status"`
	CreatedAt        string  `json:"created_at"`
	SettledAt        *string `json:"settled_at"`
	BTCPayStatus     *string `json:"btcpay_status"`
}

// UserLedger is a per-user credit balance and usage record.
//
// All balance/cost values are in api_sats. Debit returns false on
// insufficient balance — that is an expected outcome, not an error.
// Decode returns a fresh ledger on corrupt data so a damaged blob never
// blocks a user.
type UserLedger struct {
	BalanceApiSats        int                          `json:"balance_api_sats"`
	TotalDepositedApiSats int                          `json:"total_deposited_api_sats"`
	TotalConsumedApiSats  int                          `json:"total_consumed_api_sats"`
	PendingInvoices       []string                     `json:"pending_invoices"`
	CreditedInvoices      []string                     `json:"credited_invoices"`
	LastDepositAt         *string                      `json:"last_deposit_at"`
	DailyLog              map[string]map[string]*ToolUsage `json:"daily_log"`
	History               map[string]*ToolUsage        `json:"history"`
	Invoices              map[string]*InvoiceRecord    `json:"invoices"`
}

// New returns an empty ledger with initialized maps/slices.
func New() *UserLedger {
	return &UserLedger{
		PendingInvoices:  []string{},
		CreditedInvoices: []string{},
		DailyLog:         map[string]map[string]*ToolUsage{},
		History:          map[string]*ToolUsage{},
		Invoices:         map[string]*InvoiceRecord{},
	}
}

// now is overridable in tests; production code always uses the wall clock.
var now = time.Now

func today() string {
	return now().UTC().Format("2006-01-02")
}

// RecordInvoiceCreated records a newly created invoice in Pending status.
func (l *UserLedger) RecordInvoiceCreated(invoiceID string, amountSats int64, multiplier int, createdAt string) {
	btcpayStatus := "New"
	l.Invoices[invoiceID] = &InvoiceRecord{
		InvoiceID:    invoiceID,
		AmountSats:   amountSats,
		Multiplier:   multiplier,
		Status:       InvoiceStatusPending,
		CreatedAt:    createdAt,
		BTCPayStatus: &btcpayStatus,
	}
}

// RecordInvoiceSettled transitions an invoice to Settled, recording the
// credited amount. If the invoice was never tracked at creation time (e.g.
// pre-dates this feature) a retroactive record is created with the
// unknown fields zeroed.
func (l *UserLedger) RecordInvoiceSettled(invoiceID string, apiSatsCredited int, settledAt string, btcpayStatus string) {
	if rec, ok := l.Invoices[invoiceID]; ok {
		rec.Status = InvoiceStatusSettled
		rec.ApiSatsCredited = apiSatsCredited
		rec.SettledAt = &settledAt
		rec.BTCPayStatus = &btcpayStatus
		return
	}
	l.Invoices[invoiceID] = &InvoiceRecord{
		InvoiceID:       invoiceID,
		AmountSats:      0,
		ApiSatsCredited: apiSatsCredited,
		Multiplier:      0,
		Status:          InvoiceStatusSettled,
		CreatedAt:       "",
		SettledAt:       &settledAt,
		BTCPayStatus:    &btcpayStatus,
	}
}

// RecordInvoiceTerminal transitions an existing invoice record to a
// terminal, non-settled state (Expired or Invalid). A no-op if the
// invoice is untracked.
func (l *UserLedger) RecordInvoiceTerminal(invoiceID string, status string, btcpayStatus string) {
	rec, ok := l.Invoices[invoiceID]
	if !ok {
		return
	}
	rec.Status = status
	rec.BTCPayStatus = &btcpayStatus
}

// Debit deducts apiSats from the balance, recording usage against
// tool. Returns false (without mutating state) if apiSats is negative
// or the balance is insufficient.
func (l *UserLedger) Debit(toolName string, apiSats int) bool {
	if apiSats < 0 {
		return false
	}
	if l.BalanceApiSats < apiSats {
		return false
	}

	l.BalanceApiSats -= apiSats
	l.TotalConsumedApiSats += apiSats

	day := today()
	dayLog, ok := l.DailyLog[day]
	if !ok {
		dayLog = map[string]*ToolUsage{}
		l.DailyLog[day] = dayLog
	}
	usage, ok := dayLog[toolName]
	if !ok {
		usage = &ToolUsage{}
		dayLog[toolName] = usage
	}
	usage.Calls++
	usage.ApiSats += apiSats

	agg, ok := l.History[toolName]
	if !ok {
		agg = &ToolUsage{}
		l.History[toolName] = agg
	}
	agg.Calls++
	agg.ApiSats += apiSats

	return true
}

// CreditDeposit adds credits granted by a settled invoice.
func (l *UserLedger) CreditDeposit(apiSats int, invoiceID string) {
	l.BalanceApiSats += apiSats
	l.TotalDepositedApiSats += apiSats
	day := today()
	l.LastDepositAt = &day

	l.PendingInvoices = removeString(l.PendingInvoices, invoiceID)
	if !containsString(l.CreditedInvoices, invoiceID) {
		l.CreditedInvoices = append(l.CreditedInvoices, invoiceID)
	}
}

// RollbackDebit undoes a previous debit, e.g. because the tool call it
// paid for failed after the charge was taken.
func (l *UserLedger) RollbackDebit(toolName string, apiSats int) {
	l.BalanceApiSats += apiSats
	l.TotalConsumedApiSats = maxInt(0, l.TotalConsumedApiSats-apiSats)

	day := today()
	if dayLog, ok := l.DailyLog[day]; ok {
		if usage, ok := dayLog[toolName]; ok {
			usage.Calls = maxInt(0, usage.Calls-1)
			usage.ApiSats = maxInt(0, usage.ApiSats-apiSats)
		}
	}
	if agg, ok := l.History[toolName]; ok {
		agg.Calls = maxInt(0, agg.Calls-1)
		agg.ApiSats = maxInt(0, agg.ApiSats-apiSats)
	}
}

// IsCredited reports whether invoiceID is in the credited set — the
// single authoritative idempotency check before crediting again.
func (l *UserLedger) IsCredited(invoiceID string) bool {
	return containsString(l.CreditedInvoices, invoiceID)
}

// HasSeedBalance reports whether the seed-balance sentinel has already
// been credited to this user.
func (l *UserLedger) HasSeedBalance() bool {
	return l.IsCredited(SeedBalanceInvoiceID)
}

// RemovePendingInvoice removes invoiceID from the pending set, if
// present. A no-op otherwise.
func (l *UserLedger) RemovePendingInvoice(invoiceID string) {
	l.PendingInvoices = removeString(l.PendingInvoices, invoiceID)
}

// RotateDailyLog deletes daily_log entries older than retentionDays.
// Those entries are already double-booked into History at debit time,
// so this only deletes — it never folds anything into History.
func (l *UserLedger) RotateDailyLog(retentionDays int) {
	cutoff := now().UTC().AddDate(0, 0, -retentionDays).Format("2006-01-02")
	for day := range l.DailyLog {
		if day < cutoff {
			delete(l.DailyLog, day)
		}
	}
}

// wireLedger is the on-the-wire JSON shape, used only by Encode/Decode.
type wireLedger struct {
	V                     int                               `json:"v"`
	BalanceApiSats        int                               `json:"balance_api_sats"`
	BalanceSats           *int                              `json:"balance_sats,omitempty"`
	TotalDepositedApiSats int                               `json:"total_deposited_api_sats"`
	TotalDepositedSats    *int                              `json:"total_deposited_sats,omitempty"`
	TotalConsumedApiSats  int                               `json:"total_consumed_api_sats"`
	TotalConsumedSats     *int                              `json:"total_consumed_sats,omitempty"`
	PendingInvoices       []string                          `json:"pending_invoices"`
	CreditedInvoices      []string                          `json:"credited_invoices"`
	LastDepositAt         *string                           `json:"last_deposit_at"`
	DailyLog              map[string]map[string]json.RawMessage `json:"daily_log"`
	History               map[string]json.RawMessage        `json:"history"`
	Invoices              map[string]json.RawMessage        `json:"invoices"`
}

// Encode serializes the ledger to a versioned JSON document.
func (l *UserLedger) Encode() ([]byte, error) {
	dailyLog := make(map[string]map[string]*ToolUsage, len(l.DailyLog))
	for day, tools := range l.DailyLog {
		dailyLog[day] = tools
	}
	doc := struct {
		V                     int                          `json:"v"`
		BalanceApiSats        int                          `json:"balance_api_sats"`
		TotalDepositedApiSats int                          `json:"total_deposited_api_sats"`
		TotalConsumedApiSats  int                          `json:"total_consumed_api_sats"`
		PendingInvoices       []string                     `json:"pending_invoices"`
		CreditedInvoices      []string                     `json:"credited_invoices"`
		LastDepositAt         *string                      `json:"last_deposit_at"`
		DailyLog              map[string]map[string]*ToolUsage `json:"daily_log"`
		History               map[string]*ToolUsage        `json:"history"`
		Invoices              map[string]*InvoiceRecord    `json:"invoices"`
	}{
		V:                     schemaVersion,
		BalanceApiSats:        l.BalanceApiSats,
		TotalDepositedApiSats: l.TotalDepositedApiSats,
		TotalConsumedApiSats:  l.TotalConsumedApiSats,
		PendingInvoices:       l.PendingInvoices,
		CreditedInvoices:      l.CreditedInvoices,
		LastDepositAt:         l.LastDepositAt,
		DailyLog:              dailyLog,
		History:               l.History,
		Invoices:              l.Invoices,
	}
	return json.MarshalIndent(doc, "", "  ")
}

// toolUsageFromRaw decodes a ToolUsage, accepting the legacy "sats" key
// in place of "api_sats".
func toolUsageFromRaw(raw json.RawMessage) *ToolUsage {
	var m map[string]json.Number
	if err := json.Unmarshal(raw, &m); err != nil {
		return &ToolUsage{}
	}
	u := &ToolUsage{}
	if v, ok := m["calls"]; ok {
		if n, err := v.Int64(); err == nil {
			u.Calls = int(n)
		}
	}
	if v, ok := m["api_sats"]; ok {
		if n, err := v.Int64(); err == nil {
			u.ApiSats = int(n)
		}
	} else if v, ok := m["sats"]; ok {
		if n, err := v.Int64(); err == nil {
			u.ApiSats = int(n)
		}
	}
	return u
}

// invoiceRecordFromRaw decodes an InvoiceRecord, defaulting multiplier to
// 1 and status to Pending only when the key is genuinely absent — a
// retroactively-created Settled record legitimately stores multiplier 0.
func invoiceRecordFromRaw(invoiceID string, raw json.RawMessage) *InvoiceRecord {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return &InvoiceRecord{InvoiceID: invoiceID, Status: InvoiceStatusPending, Multiplier: 1}
	}

	rec := &InvoiceRecord{InvoiceID: invoiceID, Status: InvoiceStatusPending, Multiplier: 1}
	if v, ok := m["invoice_id"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil && s != "" {
			rec.InvoiceID = s
		}
	}
	if v, ok := m["amount_sats"]; ok {
		var n int64
		json.Unmarshal(v, &n)
		rec.AmountSats = n
	}
	if v, ok := m["api_sats_credited"]; ok {
		var n int
		json.Unmarshal(v, &n)
		rec.ApiSatsCredited = n
	}
	if v, ok := m["multiplier"]; ok {
		var n int
		if json.Unmarshal(v, &n) == nil {
			rec.Multiplier = n
		}
	}
	if v, ok := m["status"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil && s != "" {
			rec.Status = s
		}
	}
	if v, ok := m["created_at"]; ok {
		var s string
		json.Unmarshal(v, &s)
		rec.CreatedAt = s
	}
	if v, ok := m["settled_at"]; ok {
		var s *string
		json.Unmarshal(v, &s)
		rec.SettledAt = s
	}
	if v, ok := m["btcpay_status"]; ok {
		var s *string
		json.Unmarshal(v, &s)
		rec.BTCPayStatus = s
	}
	return rec
}

// Decode deserializes a ledger from JSON, migrating legacy (pre-v3) key
// names (balance_sats, total_deposited_sats, total_consumed_sats, sats).
// Corrupt or malformed data never errors out — it yields a fresh ledger,
// since a damaged blob must never block a user from being served.
func Decode(data []byte) *UserLedger {
	var w wireLedger
	if err := json.Unmarshal(data, &w); err != nil {
		return New()
	}

	l := New()

	l.BalanceApiSats = w.BalanceApiSats
	if l.BalanceApiSats == 0 && w.BalanceSats != nil {
		l.BalanceApiSats = *w.BalanceSats
	}
	l.TotalDepositedApiSats = w.TotalDepositedApiSats
	if l.TotalDepositedApiSats == 0 && w.TotalDepositedSats != nil {
		l.TotalDepositedApiSats = *w.TotalDepositedSats
	}
	l.TotalConsumedApiSats = w.TotalConsumedApiSats
	if l.TotalConsumedApiSats == 0 && w.TotalConsumedSats != nil {
		l.TotalConsumedApiSats = *w.TotalConsumedSats
	}

	if w.PendingInvoices != nil {
		l.PendingInvoices = w.PendingInvoices
	}
	if w.CreditedInvoices != nil {
		l.CreditedInvoices = w.CreditedInvoices
	}
	l.LastDepositAt = w.LastDepositAt

	for day, tools := range w.DailyLog {
		dayLog := map[string]*ToolUsage{}
		for tool, raw := range tools {
			dayLog[tool] = toolUsageFromRaw(raw)
		}
		l.DailyLog[day] = dayLog
	}

	for tool, raw := range w.History {
		l.History[tool] = toolUsageFromRaw(raw)
	}

	for iid, raw := range w.Invoices {
		l.Invoices[iid] = invoiceRecordFromRaw(iid, raw)
	}

	return l
}

func removeString(s []string, v string) []string {
	out := s[:0:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	if out == nil {
		return []string{}
	}
	return out
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
