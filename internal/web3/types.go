package web3

import (
	"context"
	"errors"
)

// AnchorRequest asks a chain client to log a content digest on the registry
// contract.
type AnchorRequest struct {
	Digest      string
	Step        string
	MetadataURI string
}

// AnchorReceipt is the mined result of an anchoring transaction.
type AnchorReceipt struct {
	TxHash      string `json:"tx_hash"`
	Contract    string `json:"contract"`
	ChainID     string `json:"chain_id"`
	EntryID     string `json:"entry_id,omitempty"`
	BlockNumber uint64 `json:"block_number"`
	Submitter   string `json:"submitter"`
	GasUsed     uint64 `json:"gas_used"`
	Timestamp   int64  `json:"timestamp"`
}

// LedgerEntry is one record read back from the registry contract.
type LedgerEntry struct {
	ID          uint64 `json:"id"`
	Submitter   string `json:"submitter"`
	ContentHash string `json:"content_hash"`
	Step        string `json:"step"`
	MetadataURI string `json:"metadata_uri"`
	Timestamp   int64  `json:"timestamp"`
}

// ChainSnapshot represents summarized network metadata for reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber uint64 `json:"block_number"`
	Contract    string `json:"contract"`
	Notes       string `json:"notes,omitempty"`
}

// Anchorer defines what a chain implementation must provide so the anchor
// pipeline can interact with different networks uniformly.
type Anchorer interface {
	Anchor(ctx context.Context, req AnchorRequest) (AnchorReceipt, error)
	// Confirm looks up an already broadcast transaction. A transaction that
	// is still unmined yields a *PendingTxError.
	Confirm(ctx context.Context, txHash string) (AnchorReceipt, error)
	Entries(ctx context.Context) ([]LedgerEntry, error)
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}

// PendingTxError reports that a transaction was broadcast but its receipt
// could not be read. Callers must confirm TxHash instead of sending again.
type PendingTxError struct {
	TxHash string
	Err    error
}

func (e *PendingTxError) Error() string {
	return "transaction " + e.TxHash + " pending: " + e.Err.Error()
}

func (e *PendingTxError) Unwrap() error { return e.Err }

// PendingTx returns the hash carried by a *PendingTxError in err's chain.
func PendingTx(err error) (string, bool) {
	var pending *PendingTxError
	if errors.As(err, &pending) && pending.TxHash != "" {
		return pending.TxHash, true
	}
	return "", false
}
