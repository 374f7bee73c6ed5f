package storage

import (
	"database/sql"
	"fmt"

	"github.com/chainwatch-project/chainwatch/internal/model"
)

// UpsertStakingEvent inserts or idempotently replaces a staking event
// record (§4.5's upsert_staking_event). Unlike extrinsics, staking events
// carry no accumulating set to union: the same (chain,height,xidx,eidx)
// always decodes to the same fields, so a plain replace is idempotent.
func UpsertStakingEvent(tx *sql.Tx, rec model.StakingEventRecord) error {
	var era interface{}
	if rec.Era != nil {
		era = *rec.Era
	}
	var validator interface{}
	if rec.ValidatorStash != nil {
		validator = rec.ValidatorStash[:]
	}

	_, err := tx.Exec(`
		INSERT INTO substrate_staking_events
			(chain, height, xidx, eidx, module, event_id, beneficiary, amount, era, validator)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain, height, xidx, eidx) DO UPDATE SET
			module = excluded.module,
			event_id = excluded.event_id,
			beneficiary = excluded.beneficiary,
			amount = excluded.amount,
			era = excluded.era,
			validator = excluded.validator
	`,
		rec.Chain, rec.Height, rec.Index, rec.EventIndex, rec.Module, rec.EventID,
		rec.BeneficiaryPubKey[:], rec.Amount, era, validator,
	)
	if err != nil {
		return fmt.Errorf("upsert staking event: %w", err)
	}
	return nil
}

// GetStakingEvents returns staking events for a beneficiary within a
// height range.
func GetStakingEvents(db *sql.DB, chain string, beneficiary [32]byte, fromHeight, toHeight uint64) ([]model.StakingEventRecord, error) {
	rows, err := db.Query(`
		SELECT chain, height, xidx, eidx, module, event_id, beneficiary, amount, era, validator
		FROM substrate_staking_events
		WHERE chain = ? AND beneficiary = ? AND height BETWEEN ? AND ?
		ORDER BY height ASC, xidx ASC, eidx ASC
	`, chain, beneficiary[:], fromHeight, toHeight)
	if err != nil {
		return nil, fmt.Errorf("get staking events: %w", err)
	}
	defer rows.Close()

	var out []model.StakingEventRecord
	for rows.Next() {
		var rec model.StakingEventRecord
		var beneficiaryBytes, validatorBytes []byte
		var era sql.NullInt64

		if err := rows.Scan(
			&rec.Chain, &rec.Height, &rec.Index, &rec.EventIndex, &rec.Module, &rec.EventID,
			&beneficiaryBytes, &rec.Amount, &era, &validatorBytes,
		); err != nil {
			return nil, fmt.Errorf("scan staking event row: %w", err)
		}

		copy(rec.BeneficiaryPubKey[:], beneficiaryBytes)
		if era.Valid {
			e := uint32(era.Int64)
			rec.Era = &e
		}
		if len(validatorBytes) == 32 {
			var v [32]byte
			copy(v[:], validatorBytes)
			rec.ValidatorStash = &v
		}

		out = append(out, rec)
	}
	return out, rows.Err()
}
