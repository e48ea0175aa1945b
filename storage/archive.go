// Package storage archives transactions once they leave the live queue so
// their outcome stays queryable.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"nhbrelay/core/types"
)

// Archive persists terminal transactions.
type Archive interface {
	// Save upserts the supplied transactions by id.
	Save(ctx context.Context, txs []types.Transaction) error
	// Lookup returns the archived transaction with id. The boolean is false
	// when no record exists.
	Lookup(ctx context.Context, id string) (types.Transaction, bool, error)
	// Recent returns up to limit records, most recently archived first.
	Recent(ctx context.Context, limit int) ([]types.Transaction, error)
	Close() error
}

// Supported archive drivers.
const (
	DriverNone     = "none"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverLevelDB  = "leveldb"
)

// Open constructs an archive for driver. An empty or "none" driver yields a
// nil archive and no error.
func Open(driver, dsn string) (Archive, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverNone:
		return nil, nil
	case DriverSQLite, DriverPostgres:
		archive, err := OpenSQL(driver, dsn)
		if err != nil {
			return nil, err
		}
		return archive, nil
	case DriverLevelDB:
		archive, err := NewLevelDB(dsn)
		if err != nil {
			return nil, err
		}
		return archive, nil
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
}

// record is the serialised archive form. Signing handles are never stored.
type record struct {
	ID         string            `json:"id"`
	Account    string            `json:"account"`
	Module     string            `json:"module"`
	Method     string            `json:"method"`
	Params     []json.RawMessage `json:"params"`
	Nonce      uint64            `json:"nonce"`
	Status     types.Status      `json:"status"`
	BlockHash  string            `json:"blockHash,omitempty"`
	TxHash     string            `json:"txHash,omitempty"`
	RetryCount int               `json:"retryCount"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	ArchivedAt time.Time         `json:"archivedAt"`
}

func recordFrom(tx types.Transaction, archivedAt time.Time) record {
	return record{
		ID:         tx.ID,
		Account:    tx.Identity.Address,
		Module:     tx.Call.Module,
		Method:     tx.Call.Method,
		Params:     tx.Call.Clone().Params,
		Nonce:      tx.Nonce,
		Status:     tx.Status,
		BlockHash:  tx.BlockHash,
		TxHash:     tx.TxHash,
		RetryCount: tx.RetryCount,
		Error:      tx.Error,
		CreatedAt:  tx.CreatedAt,
		UpdatedAt:  tx.UpdatedAt,
		ArchivedAt: archivedAt,
	}
}

func (r record) transaction() types.Transaction {
	return types.Transaction{
		ID:            r.ID,
		Identity:      types.Identity{Address: r.Account},
		Call:          types.Call{Module: r.Module, Method: r.Method, Params: r.Params},
		Nonce:         r.Nonce,
		NonceAssigned: true,
		Status:        r.Status,
		BlockHash:     r.BlockHash,
		TxHash:        r.TxHash,
		RetryCount:    r.RetryCount,
		Error:         r.Error,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}
