package rpc

import "github.com/centrifuge/go-substrate-rpc-client/v4/types"

// eventsFromRecords flattens gsrpc's generic EventRecords struct into the
// RawEvent slice the decoder/classifier consumes. Only the events the
// classifier needs (§4.2's fee computation and staking-event categories,
// plus System's success/failure markers) are translated; anything else in
// EventRecords is left aside since C2 only persists classified categories
// and event-participant matches.
func eventsFromRecords(r *types.EventRecords) []RawEvent {
	var out []RawEvent

	push := func(phase *types.Phase, module, eventID string, fields map[string]interface{}) {
		out = append(out, RawEvent{
			ExtrinsicIndex: extrinsicIndexOf(phase),
			EventIndex:     uint32(len(out)),
			Module:         module,
			EventID:        eventID,
			Fields:         fields,
		})
	}

	for i := range r.System_ExtrinsicSuccess {
		e := r.System_ExtrinsicSuccess[i]
		push(&e.Phase, "System", "ExtrinsicSuccess", nil)
	}
	for i := range r.System_ExtrinsicFailed {
		e := r.System_ExtrinsicFailed[i]
		push(&e.Phase, "System", "ExtrinsicFailed", nil)
	}

	for i := range r.Balances_Transfer {
		e := r.Balances_Transfer[i]
		push(&e.Phase, "Balances", "Transfer", map[string]interface{}{
			"from":  accountIDBytes(e.From),
			"to":    accountIDBytes(e.To),
			"value": e.Value.String(),
		})
	}
	for i := range r.Balances_Deposit {
		e := r.Balances_Deposit[i]
		push(&e.Phase, "Balances", "Deposit", map[string]interface{}{
			"who":   accountIDBytes(e.Who),
			"value": e.Balance.String(),
		})
	}

	for i := range r.Treasury_Deposit {
		e := r.Treasury_Deposit[i]
		push(&e.Phase, "Treasury", "Deposit", map[string]interface{}{
			"value": e.Balance.String(),
		})
	}

	for i := range r.Staking_Bonded {
		e := r.Staking_Bonded[i]
		push(&e.Phase, "Staking", "Bonded", map[string]interface{}{
			"stash":  accountIDBytes(e.Stash),
			"amount": e.Balance.String(),
		})
	}
	for i := range r.Staking_Unbonded {
		e := r.Staking_Unbonded[i]
		push(&e.Phase, "Staking", "Unbonded", map[string]interface{}{
			"stash":  accountIDBytes(e.Stash),
			"amount": e.Balance.String(),
		})
	}
	for i := range r.Staking_Withdrawn {
		e := r.Staking_Withdrawn[i]
		push(&e.Phase, "Staking", "Withdrawn", map[string]interface{}{
			"stash":  accountIDBytes(e.Stash),
			"amount": e.Balance.String(),
		})
	}
	for i := range r.Staking_Rewarded {
		e := r.Staking_Rewarded[i]
		push(&e.Phase, "Staking", "Rewarded", map[string]interface{}{
			"stash":  accountIDBytes(e.Stash),
			"amount": e.Amount.String(),
		})
	}
	for i := range r.Staking_Slashed {
		e := r.Staking_Slashed[i]
		push(&e.Phase, "Staking", "Slashed", map[string]interface{}{
			"staker": accountIDBytes(e.Staker),
			"amount": e.Amount.String(),
		})
	}

	return out
}

func extrinsicIndexOf(phase *types.Phase) *uint32 {
	if phase == nil || !phase.IsApplyExtrinsic {
		return nil
	}
	idx := uint32(phase.AsApplyExtrinsic)
	return &idx
}

func accountIDBytes(id types.AccountID) [32]byte {
	var out [32]byte
	copy(out[:], id[:])
	return out
}
