// Package paper provides in-process collaborators so the pipeline can run
// without a live ledger or exchange.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
)

// Ledger is an in-memory LedgerClient. Transfers and withdrawals are
// idempotent by trace id.
type Ledger struct {
	mu            sync.Mutex
	snapshots     []interfaces.LedgerSnapshot
	assets        map[string]interfaces.Asset
	transfers     []interfaces.TransferRequest
	transferRefs  map[string]string
	withdrawals   []interfaces.WithdrawalRequest
	withdrawRefs  map[string]string
	confirmations map[string]interfaces.Confirmation
	fetchErr      error
	transferErrs  map[string]error
	withdrawErr   error
	withdrawErrs  map[string]error
	autoConfirm   bool
}

var _ interfaces.LedgerClient = (*Ledger)(nil)

// NewLedger creates an empty paper ledger
func NewLedger() *Ledger {
	return &Ledger{
		assets:        make(map[string]interfaces.Asset),
		transferRefs:  make(map[string]string),
		withdrawRefs:  make(map[string]string),
		confirmations: make(map[string]interfaces.Confirmation),
		transferErrs:  make(map[string]error),
		withdrawErrs:  make(map[string]error),
	}
}

// RegisterAsset makes an asset resolvable
func (l *Ledger) RegisterAsset(a interfaces.Asset) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.assets[a.AssetID] = a
}

// Deposit appends an inbound snapshot
func (l *Ledger) Deposit(s interfaces.LedgerSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots = append(l.snapshots, s)
}

// FailFetch makes snapshot fetches return err until cleared with nil
func (l *Ledger) FailFetch(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetchErr = err
}

// FailTransfers makes transfers of assetID fail until cleared with nil
func (l *Ledger) FailTransfers(assetID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.transferErrs, assetID)
		return
	}
	l.transferErrs[assetID] = err
}

// FailWithdrawals makes withdrawals fail until cleared with nil
func (l *Ledger) FailWithdrawals(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.withdrawErr = err
}

// FailWithdrawalsOf makes withdrawals of assetID fail until cleared with nil
func (l *Ledger) FailWithdrawalsOf(assetID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.withdrawErrs, assetID)
		return
	}
	l.withdrawErrs[assetID] = err
}

// AutoConfirm confirms withdrawals as soon as they are submitted
func (l *Ledger) AutoConfirm(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.autoConfirm = on
}

// Confirm sets the confirmation status of a withdrawal reference
func (l *Ledger) Confirm(ref string, confirmations int, txHash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmations[ref] = interfaces.Confirmation{Confirmations: confirmations, TxHash: txHash}
}

// FetchSnapshotsSince returns snapshots created at or after cursor, oldest first
func (l *Ledger) FetchSnapshotsSince(_ context.Context, cursor time.Time, limit int) ([]interfaces.LedgerSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fetchErr != nil {
		return nil, l.fetchErr
	}
	out := make([]interfaces.LedgerSnapshot, 0)
	for _, s := range l.snapshots {
		if !s.CreatedAt.Before(cursor) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Transfer records a transfer back to a ledger user
func (l *Ledger) Transfer(_ context.Context, req interfaces.TransferRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err, ok := l.transferErrs[req.AssetID]; ok {
		return "", err
	}
	if ref, ok := l.transferRefs[req.TraceID]; ok {
		return ref, nil
	}
	ref := "tr-" + uuid.NewString()
	l.transferRefs[req.TraceID] = ref
	l.transfers = append(l.transfers, req)
	return ref, nil
}

// Withdraw records a withdrawal to an external address
func (l *Ledger) Withdraw(_ context.Context, req interfaces.WithdrawalRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.withdrawErr != nil {
		return "", l.withdrawErr
	}
	if err, ok := l.withdrawErrs[req.AssetID]; ok {
		return "", err
	}
	if ref, ok := l.withdrawRefs[req.TraceID]; ok {
		return ref, nil
	}
	ref := "wd-" + uuid.NewString()
	l.withdrawRefs[req.TraceID] = ref
	l.withdrawals = append(l.withdrawals, req)
	if l.autoConfirm {
		l.confirmations[ref] = interfaces.Confirmation{Confirmations: 1, TxHash: "0x" + uuid.NewString()}
	}
	return ref, nil
}

// FetchConfirmation reports the status of a withdrawal reference
func (l *Ledger) FetchConfirmation(_ context.Context, ref string) (interfaces.Confirmation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.confirmations[ref]; !ok {
		known := false
		for _, r := range l.withdrawRefs {
			if r == ref {
				known = true
				break
			}
		}
		if !known {
			return interfaces.Confirmation{}, fmt.Errorf("unknown transfer %s", ref)
		}
	}
	return l.confirmations[ref], nil
}

// FetchAsset resolves a registered asset
func (l *Ledger) FetchAsset(_ context.Context, assetID string) (interfaces.Asset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.assets[assetID]
	if !ok {
		return interfaces.Asset{}, fmt.Errorf("asset %s not found", assetID)
	}
	return a, nil
}

// Transfers returns the transfers issued so far
func (l *Ledger) Transfers() []interfaces.TransferRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]interfaces.TransferRequest(nil), l.transfers...)
}

// Withdrawals returns the withdrawals submitted so far
func (l *Ledger) Withdrawals() []interfaces.WithdrawalRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]interfaces.WithdrawalRequest(nil), l.withdrawals...)
}
