package storage

import (
	"database/sql"
	"fmt"

	"github.com/chainwatch-project/chainwatch/internal/model"
)

// AdvanceCheckpoint moves a (chain,pubkey,stream) checkpoint forward
// (§4.5's advance_checkpoint). It rejects regressions: a height at or
// below the current checkpoint leaves the row untouched and returns
// ErrCheckpointRegression, since §3's invariant is that a checkpoint never
// advances past uncommitted heights and never moves backwards.
func AdvanceCheckpoint(tx *sql.Tx, chain string, pubkey [32]byte, stream model.Stream, height uint64) error {
	var current sql.NullInt64
	err := tx.QueryRow(
		`SELECT height FROM substrate_checkpoints WHERE chain = ? AND pubkey = ? AND stream = ?`,
		chain, pubkey[:], string(stream),
	).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("advance checkpoint: read current: %w", err)
	}

	if err == nil && current.Valid && uint64(current.Int64) >= height {
		return fmt.Errorf("%w: current %d, attempted %d", ErrCheckpointRegression, current.Int64, height)
	}

	_, err = tx.Exec(`
		INSERT INTO substrate_checkpoints (chain, pubkey, stream, height)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (chain, pubkey, stream) DO UPDATE SET height = excluded.height
	`, chain, pubkey[:], string(stream), height)
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}

// ErrCheckpointRegression is returned by AdvanceCheckpoint when asked to
// move a checkpoint to a height at or below its current value.
var ErrCheckpointRegression = fmt.Errorf("checkpoint regression rejected")

// GetCheckpoint returns the last scanned height for a (chain,pubkey,stream),
// or (0, false) if none has been recorded yet (the caller then plans from
// the account's start block per §4.4).
func GetCheckpoint(db *sql.DB, chain string, pubkey [32]byte, stream model.Stream) (uint64, bool, error) {
	var height uint64
	err := db.QueryRow(
		`SELECT height FROM substrate_checkpoints WHERE chain = ? AND pubkey = ? AND stream = ?`,
		chain, pubkey[:], string(stream),
	).Scan(&height)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get checkpoint: %w", err)
	}
	return height, true, nil
}

// DeleteHistory implements §4.5's delete_history: a nuclear reset of all
// persisted records (and their checkpoints) for a chain, optionally scoped
// to a single account's pubkey.
func DeleteHistory(tx *sql.Tx, chain string, pubkey *[32]byte) error {
	tables := []string{"substrate_extrinsics", "substrate_staking_events", "substrate_checkpoints"}

	if pubkey == nil {
		for _, table := range tables {
			if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE chain = ?", table), chain); err != nil {
				return fmt.Errorf("delete history from %s: %w", table, err)
			}
		}
		return nil
	}

	if _, err := tx.Exec(`DELETE FROM substrate_checkpoints WHERE chain = ? AND pubkey = ?`, chain, pubkey[:]); err != nil {
		return fmt.Errorf("delete checkpoint history: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM substrate_staking_events WHERE chain = ? AND beneficiary = ?`, chain, pubkey[:]); err != nil {
		return fmt.Errorf("delete staking event history: %w", err)
	}
	// Extrinsics are matched by possibly many accounts; a per-account reset
	// narrows matched rather than deletes rows other accounts still need.
	rows, err := tx.Query(`SELECT height, xidx, matched FROM substrate_extrinsics WHERE chain = ?`, chain)
	if err != nil {
		return fmt.Errorf("delete history: scan extrinsics: %w", err)
	}
	defer rows.Close()

	type rowRef struct {
		height uint64
		xidx   uint32
		raw    []byte
	}
	var toUpdate []rowRef
	for rows.Next() {
		var r rowRef
		if err := rows.Scan(&r.height, &r.xidx, &r.raw); err != nil {
			return fmt.Errorf("delete history: scan row: %w", err)
		}
		toUpdate = append(toUpdate, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range toUpdate {
		if err := removeAddressFromMatched(tx, chain, r.height, r.xidx, *pubkey); err != nil {
			return err
		}
	}
	return nil
}
