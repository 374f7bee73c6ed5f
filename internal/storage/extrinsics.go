package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/chainwatch-project/chainwatch/internal/model"
	"github.com/chainwatch-project/chainwatch/pkg/helpers"
)

// UpsertExtrinsic inserts or idempotently updates a matched extrinsic
// record (§4.5's upsert_extrinsic). On conflict the existing row's
// matched_addresses is unioned with the incoming record's rather than
// overwritten, since the same extrinsic can be re-matched by a later
// add_account call against a different watched account.
func UpsertExtrinsic(tx *sql.Tx, rec model.ExtrinsicRecord) error {
	existing, err := queryMatchedAddresses(tx, rec.Chain, rec.Height, rec.Index)
	if err != nil {
		return fmt.Errorf("upsert extrinsic: read existing matched set: %w", err)
	}

	union := unionAddresses(existing, rec.MatchedAddresses)
	matchedBlob, err := json.Marshal(hexAddresses(union))
	if err != nil {
		return fmt.Errorf("upsert extrinsic: marshal matched set: %w", err)
	}

	var signer interface{}
	if rec.SignerPubKey != nil {
		signer = rec.SignerPubKey[:]
	}
	var fee interface{}
	if rec.Fee != nil {
		fee = *rec.Fee
	}
	var ts interface{}
	if rec.BlockTimestamp != nil {
		ts = *rec.BlockTimestamp
	}

	_, err = tx.Exec(`
		INSERT INTO substrate_extrinsics
			(chain, height, xidx, block_hash, ts, signer, module, function, success, tip, fee, params, matched)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain, height, xidx) DO UPDATE SET
			block_hash = excluded.block_hash,
			ts = excluded.ts,
			signer = excluded.signer,
			module = excluded.module,
			function = excluded.function,
			success = excluded.success,
			tip = excluded.tip,
			fee = excluded.fee,
			params = excluded.params,
			matched = excluded.matched
	`,
		rec.Chain, rec.Height, rec.Index, rec.BlockHash, ts, signer,
		rec.CallModule, rec.CallFunction, boolToInt(rec.Success), rec.Tip, fee,
		[]byte(rec.ParamsPayload), matchedBlob,
	)
	if err != nil {
		return fmt.Errorf("upsert extrinsic: %w", err)
	}
	return nil
}

func queryMatchedAddresses(tx *sql.Tx, chain string, height uint64, xidx uint32) ([][32]byte, error) {
	var raw []byte
	err := tx.QueryRow(
		`SELECT matched FROM substrate_extrinsics WHERE chain = ? AND height = ? AND xidx = ?`,
		chain, height, xidx,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var hexes []string
	if err := json.Unmarshal(raw, &hexes); err != nil {
		return nil, err
	}
	return addressesFromHex(hexes), nil
}

// GetExtrinsics returns matched extrinsics for a chain/account within
// [fromTS, toTS], treating null-timestamp rows as excluded (the resolved
// Open Question on inherent-less blocks never appearing in time-range
// results).
func GetExtrinsics(db *sql.DB, chain string, pubkey [32]byte, fromTS, toTS int64) ([]model.ExtrinsicRecord, error) {
	rows, err := db.Query(`
		SELECT chain, height, xidx, block_hash, ts, signer, module, function, success, tip, fee, params, matched
		FROM substrate_extrinsics
		WHERE chain = ? AND ts IS NOT NULL AND ts BETWEEN ? AND ?
		ORDER BY height ASC, xidx ASC
	`, chain, fromTS, toTS)
	if err != nil {
		return nil, fmt.Errorf("get extrinsics: %w", err)
	}
	defer rows.Close()

	var out []model.ExtrinsicRecord
	for rows.Next() {
		rec, matchedHex, signerBytes, tsVal, feeVal, err := scanExtrinsicRow(rows)
		if err != nil {
			return nil, err
		}
		applyExtrinsicScalars(&rec, matchedHex, signerBytes, tsVal, feeVal)

		found := false
		for _, a := range rec.MatchedAddresses {
			if a == pubkey {
				found = true
				break
			}
		}
		if found {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

func scanExtrinsicRow(rows *sql.Rows) (model.ExtrinsicRecord, []byte, []byte, sql.NullInt64, sql.NullString, error) {
	var rec model.ExtrinsicRecord
	var signerBytes []byte
	var tsVal sql.NullInt64
	var feeVal sql.NullString
	var matchedRaw []byte
	var paramsRaw []byte
	var success int

	err := rows.Scan(
		&rec.Chain, &rec.Height, &rec.Index, &rec.BlockHash, &tsVal, &signerBytes,
		&rec.CallModule, &rec.CallFunction, &success, &rec.Tip, &feeVal, &paramsRaw, &matchedRaw,
	)
	if err != nil {
		return rec, nil, nil, tsVal, feeVal, fmt.Errorf("scan extrinsic row: %w", err)
	}
	rec.Success = success != 0
	rec.ParamsPayload = paramsRaw
	return rec, matchedRaw, signerBytes, tsVal, feeVal, nil
}

func applyExtrinsicScalars(rec *model.ExtrinsicRecord, matchedRaw, signerBytes []byte, tsVal sql.NullInt64, feeVal sql.NullString) {
	if tsVal.Valid {
		ts := tsVal.Int64
		rec.BlockTimestamp = &ts
	}
	if feeVal.Valid {
		fee := feeVal.String
		rec.Fee = &fee
	}
	if len(signerBytes) == 32 {
		var pk [32]byte
		copy(pk[:], signerBytes)
		rec.SignerPubKey = &pk
	}
	var hexes []string
	if json.Unmarshal(matchedRaw, &hexes) == nil {
		rec.MatchedAddresses = addressesFromHex(hexes)
	}
}

func unionAddresses(a, b [][32]byte) [][32]byte {
	seen := make(map[[32]byte]struct{}, len(a)+len(b))
	var out [][32]byte
	for _, addrs := range [][][32]byte{a, b} {
		for _, pk := range addrs {
			if _, ok := seen[pk]; !ok {
				seen[pk] = struct{}{}
				out = append(out, pk)
			}
		}
	}
	return out
}

func hexAddresses(addrs [][32]byte) []string {
	out := make([]string, len(addrs))
	for i, pk := range addrs {
		out[i] = helpers.BytesToHex(pk[:])
	}
	return out
}

func addressesFromHex(hexes []string) [][32]byte {
	out := make([][32]byte, 0, len(hexes))
	for _, h := range hexes {
		b, err := helpers.HexToBytes(h)
		if err != nil || len(b) != 32 {
			continue
		}
		var pk [32]byte
		copy(pk[:], b)
		out = append(out, pk)
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// removeAddressFromMatched drops one address from an extrinsic's matched
// set, used by DeleteHistory's per-account reset. Rows left with an empty
// matched set after removal are deleted outright, since an extrinsic with
// no watched participant has nothing left to query.
func removeAddressFromMatched(tx *sql.Tx, chain string, height uint64, xidx uint32, remove [32]byte) error {
	existing, err := queryMatchedAddresses(tx, chain, height, xidx)
	if err != nil {
		return fmt.Errorf("remove matched address: %w", err)
	}

	var kept [][32]byte
	for _, pk := range existing {
		if pk != remove {
			kept = append(kept, pk)
		}
	}

	if len(kept) == 0 {
		_, err := tx.Exec(`DELETE FROM substrate_extrinsics WHERE chain = ? AND height = ? AND xidx = ?`, chain, height, xidx)
		return err
	}

	blob, err := json.Marshal(hexAddresses(kept))
	if err != nil {
		return fmt.Errorf("remove matched address: marshal: %w", err)
	}
	_, err = tx.Exec(`UPDATE substrate_extrinsics SET matched = ? WHERE chain = ? AND height = ? AND xidx = ?`, blob, chain, height, xidx)
	return err
}
