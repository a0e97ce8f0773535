package domain

import "time"

// ─── Credit Ledger Types ────────────────────────────────────────────────────
// These live in domain because they represent core business rules.
// The store persists one row per balance mutation; decay debits are ordinary
// ledger rows tagged with the trigger that reconciled them.

// EntryType represents the accounting side of a ledger entry.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// TransactionType represents the business reason for a balance operation.
type TransactionType string

const (
	TxEarn  TransactionType = "EARN"
	TxBurn  TransactionType = "BURN"
	TxDecay TransactionType = "DECAY"
	TxDebit TransactionType = "DEBIT" // external score debit (may go negative)
	TxBonus TransactionType = "BONUS"
)

// LedgerEntry is a single row in the balance ledger.
type LedgerEntry struct {
	ID          int64           `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Type        TransactionType `json:"type"`
	EntryType   EntryType       `json:"entry_type"`
	UserID      string          `json:"user_id"`
	Kind        ResourceKind    `json:"kind"`
	Amount      int64           `json:"amount"`
	Trigger     string          `json:"trigger,omitempty"` // set on DECAY rows
	Description string          `json:"description,omitempty"`
	Balance     int64           `json:"balance"` // base value after this entry
}
