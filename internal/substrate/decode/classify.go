package decode

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/chainwatch-project/chainwatch/internal/model"
	"github.com/chainwatch-project/chainwatch/internal/substrate/rpc"
)

// BlockContext carries the per-block facts a classified extrinsic needs
// that aren't derivable from the extrinsic itself: its height/hash, the
// timestamp extracted from the block's Timestamp.set inherent (nil if
// absent), and the account that authored the block (fee computation's
// "non-self" exclusion in §8's P6).
type BlockContext struct {
	Chain     string
	Height    uint64
	Hash      string
	Timestamp *int64
	Author    *[32]byte
}

// Classifier turns one block's raw extrinsics and events into the records
// the indexer worker hands to the address filter.
type Classifier struct {
	resolver *Resolver
}

// NewClassifier builds a Classifier bound to a call-index resolver.
func NewClassifier(resolver *Resolver) *Classifier {
	return &Classifier{resolver: resolver}
}

// Result is everything decoded from one extrinsic: at most one
// ExtrinsicRecord (nil for pure inherents per §4.2), plus zero or more
// staking events contributed by it or any call nested under a batch.
type Result struct {
	Extrinsic    *model.ExtrinsicRecord
	StakingEvents []model.StakingEventRecord
	Timestamp    *int64 // non-nil only for the Timestamp.set inherent
	DecodeErrors []error
}

// ClassifyExtrinsic decodes and classifies a single extrinsic, given the
// events emitted for its index.
func (c *Classifier) ClassifyExtrinsic(ctx BlockContext, ext rpc.RawExtrinsic, events []rpc.RawEvent) Result {
	call, err := DecodeTopLevel(c.resolver, ext.CallIndex, ext.ArgsRaw)
	if err != nil {
		return Result{DecodeErrors: []error{fmt.Errorf("height %d xidx %d: %w", ctx.Height, ext.Index, err)}}
	}

	if call.Category == model.CategoryInherent {
		return Result{Timestamp: timestampFromArgs(call.Args)}
	}

	success := extrinsicSucceeded(events)

	var res Result
	matched := map[[32]byte]struct{}{}
	if call.Category != model.CategoryOther {
		if ext.Signer != nil {
			matched[*ext.Signer] = struct{}{}
		}
		collectParticipants(call, matched)
	}
	era := enclosingEra(call)
	stakingEvents := stakingEventsFromEvents(ctx, ext.Index, events, era)

	for _, ev := range events {
		for _, pk := range accountsInEvent(ev) {
			matched[pk] = struct{}{}
		}
	}

	// §4.2: an Other call is retained only if some event references an
	// account (the filter compares that set against the watch-list
	// downstream); for an Other call the signer and call arguments are not
	// candidates, so one whose events reference no account is dropped here.
	if call.Category == model.CategoryOther && len(matched) == 0 {
		return Result{StakingEvents: stakingEvents}
	}

	payload, err := json.Marshal(callPayload(call))
	if err != nil {
		res.DecodeErrors = append(res.DecodeErrors, fmt.Errorf("marshal params for height %d xidx %d: %w", ctx.Height, ext.Index, err))
		payload = json.RawMessage("{}")
	}

	fee := computeFee(events, ctx.Author)

	rec := &model.ExtrinsicRecord{
		Chain:          ctx.Chain,
		Height:         ctx.Height,
		Index:          ext.Index,
		BlockHash:      ctx.Hash,
		BlockTimestamp: ctx.Timestamp,
		SignerPubKey:   ext.Signer,
		CallModule:     call.Module,
		CallFunction:   call.Function,
		Success:        success,
		Fee:            fee,
		Tip:            ext.Tip,
		Category:       call.Category,
		ParamsPayload:  payload,
	}
	for pk := range matched {
		pk := pk
		rec.MatchedAddresses = append(rec.MatchedAddresses, pk)
	}

	res.Extrinsic = rec
	res.StakingEvents = stakingEvents
	return res
}

func timestampFromArgs(args map[string]interface{}) *int64 {
	now, ok := args["now"].(int64)
	if !ok {
		return nil
	}
	// Substrate's Timestamp.set moment is milliseconds since epoch.
	ts := now / 1000
	return &ts
}

func collectParticipants(call Call, into map[[32]byte]struct{}) {
	for _, p := range call.Participants {
		into[p.PubKey] = struct{}{}
	}
	for _, inner := range call.Inner {
		collectParticipants(inner, into)
	}
}

func callPayload(call Call) map[string]interface{} {
	payload := map[string]interface{}{
		"module":   call.Module,
		"function": call.Function,
	}
	if call.Args != nil {
		payload["args"] = call.Args
	}
	if len(call.Inner) > 0 {
		inner := make([]map[string]interface{}, 0, len(call.Inner))
		for _, c := range call.Inner {
			inner = append(inner, callPayload(c))
		}
		payload["calls"] = inner
	}
	if call.Truncated {
		payload["truncated"] = true
	}
	return payload
}

// enclosingEra walks a call and any calls nested under it (Utility.batch)
// looking for a payout_stakers era, since Staking.Rewarded events carry no
// era of their own (§4.2's "era from the enclosing payout_stakers").
func enclosingEra(call Call) *uint32 {
	if call.Category == model.CategoryStakingCall && call.Function == "payout_stakers" {
		if era, ok := call.Args["era"].(uint32); ok {
			return &era
		}
	}
	for _, inner := range call.Inner {
		if era := enclosingEra(inner); era != nil {
			return era
		}
	}
	return nil
}

// stakingEventsFromEvents builds one StakingEventRecord per staking event
// emitted for this extrinsic, tagged with the extrinsic index of the outer
// extrinsic regardless of how deeply the triggering call was nested under
// a batch (§4.2's "may contribute multiple StakingEventRecords but a single
// ExtrinsicRecord").
func stakingEventsFromEvents(ctx BlockContext, extrinsicIndex uint32, events []rpc.RawEvent, era *uint32) []model.StakingEventRecord {
	var out []model.StakingEventRecord

	for _, ev := range events {
		if ev.Module != "Staking" {
			continue
		}

		var beneficiary [32]byte
		var ok bool
		switch ev.EventID {
		case "Rewarded", "Reward":
			beneficiary, ok = fieldAccount(ev, "stash")
		case "Bonded", "Unbonded", "Withdrawn":
			beneficiary, ok = fieldAccount(ev, "stash")
		case "Slashed":
			beneficiary, ok = fieldAccount(ev, "staker")
		case "Nominated":
			beneficiary, ok = fieldAccount(ev, "stash")
		default:
			continue
		}
		if !ok {
			continue
		}

		amount := "0"
		if v, ok := ev.Fields["amount"].(string); ok {
			amount = v
		}

		out = append(out, model.StakingEventRecord{
			Chain:             ctx.Chain,
			Height:            ctx.Height,
			Index:             extrinsicIndex,
			EventIndex:        ev.EventIndex,
			Module:            ev.Module,
			EventID:           ev.EventID,
			BeneficiaryPubKey: beneficiary,
			Amount:            amount,
			Era:               era,
		})
	}

	return out
}

func fieldAccount(ev rpc.RawEvent, key string) ([32]byte, bool) {
	pk, ok := ev.Fields[key].([32]byte)
	return pk, ok
}

func extrinsicSucceeded(events []rpc.RawEvent) bool {
	for _, ev := range events {
		if ev.Module == "System" && ev.EventID == "ExtrinsicFailed" {
			return false
		}
	}
	return true
}

// computeFee sums Balances.Deposit and Treasury.Deposit events paid to the
// block author/treasury (§4.2/§8's P6). Returns nil ("unknown") when no
// deposit events are present rather than reporting zero.
func computeFee(events []rpc.RawEvent, author *[32]byte) *string {
	total := new(big.Int)
	found := false

	for _, ev := range events {
		if ev.EventID != "Deposit" {
			continue
		}
		switch ev.Module {
		case "Balances":
			who, ok := ev.Fields["who"].([32]byte)
			if !ok || author == nil || who != *author {
				continue
			}
		case "Treasury":
			// Treasury.Deposit is, by definition, a deposit into the
			// treasury pot; there is no separate "who" to match.
		default:
			continue
		}
		valueStr, ok := ev.Fields["value"].(string)
		if !ok {
			continue
		}
		v, ok := new(big.Int).SetString(valueStr, 10)
		if !ok {
			continue
		}
		total.Add(total, v)
		found = true
	}

	if !found {
		return nil
	}
	s := total.String()
	return &s
}

func accountsInEvent(ev rpc.RawEvent) [][32]byte {
	var out [][32]byte
	for _, key := range []string{"who", "from", "to", "stash", "staker", "validator"} {
		if pk, ok := ev.Fields[key].([32]byte); ok {
			out = append(out, pk)
		}
	}
	return out
}
