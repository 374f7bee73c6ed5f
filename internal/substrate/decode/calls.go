package decode

import (
	"bytes"
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"

	"github.com/chainwatch-project/chainwatch/internal/model"
	"github.com/chainwatch-project/chainwatch/pkg/logging"
)

// maxBatchDepth is the recursion cap on Utility.batch/batch_all nesting.
// Calls nested deeper than this are classified as Other and logged rather
// than decoded further, since a maliciously or accidentally deep nesting
// of batches is otherwise an unbounded-work vector.
const maxBatchDepth = 8

// AccountRef names one account participating in a decoded call, tagged
// with its role so the address filter can tell a signer from a mere
// destination and staking code can pick out beneficiaries/validators.
type AccountRef struct {
	PubKey [32]byte
	Role   string
}

// Call is one fully decoded, classified call: a top-level extrinsic's call,
// or one element of a recursively classified Utility.batch.
type Call struct {
	Module       string
	Function     string
	Category     model.Category
	Args         map[string]interface{}
	Participants []AccountRef
	Inner        []Call // populated for Utility.batch/batch_all
	Truncated    bool   // true if nesting exceeded maxBatchDepth
}

// DecodeTopLevel decodes the call at the root of an extrinsic: CallIndex is
// already known from the extrinsic envelope, and argsRaw is everything
// the call consumes after its own CallIndex.
func DecodeTopLevel(resolver *Resolver, callIndex [2]byte, argsRaw []byte) (Call, error) {
	module, function, ok := resolver.Resolve(callIndex)
	if !ok {
		return Call{Category: model.CategoryOther}, fmt.Errorf("decode: unresolved call index %v", callIndex)
	}

	dec := scale.NewDecoder(bytes.NewReader(argsRaw))
	return decodeKnownCall(dec, resolver, module, function, 1)
}

// decodeCallFromStream reads a [pallet,call] index off dec and decodes the
// call that follows, used recursively for each element of a batch's call
// vector, where the index isn't known ahead of time.
func decodeCallFromStream(dec *scale.Decoder, resolver *Resolver, depth int) (Call, error) {
	var idx [2]byte
	if err := dec.Decode(&idx[0]); err != nil {
		return Call{}, fmt.Errorf("decode: read pallet index: %w", err)
	}
	if err := dec.Decode(&idx[1]); err != nil {
		return Call{}, fmt.Errorf("decode: read call index: %w", err)
	}

	module, function, ok := resolver.Resolve(idx)
	if !ok {
		return Call{Category: model.CategoryOther}, fmt.Errorf("decode: unresolved nested call index %v", idx)
	}

	return decodeKnownCall(dec, resolver, module, function, depth)
}

func decodeKnownCall(dec *scale.Decoder, resolver *Resolver, module, function string, depth int) (Call, error) {
	switch {
	case module == "Timestamp" && function == "set":
		return decodeTimestampSet(dec)

	case module == "Balances" && (function == "transfer" || function == "transfer_keep_alive" || function == "transfer_allow_death"):
		return decodeBalancesTransfer(dec, module, function)

	case module == "Balances" && function == "transfer_all":
		return decodeBalancesTransferAll(dec, module, function)

	case module == "Staking":
		return decodeStakingCall(dec, function)

	case module == "Utility" && (function == "batch" || function == "batch_all" || function == "force_batch"):
		return decodeBatch(dec, resolver, module, function, depth)

	default:
		return Call{Module: module, Function: function, Category: model.CategoryOther, Args: map[string]interface{}{}}, nil
	}
}

func decodeTimestampSet(dec *scale.Decoder) (Call, error) {
	var moment types.UCompact
	if err := dec.Decode(&moment); err != nil {
		return Call{}, fmt.Errorf("decode Timestamp.set: %w", err)
	}
	return Call{
		Module:   "Timestamp",
		Function: "set",
		Category: model.CategoryInherent,
		Args: map[string]interface{}{
			"now": moment.Int64(),
		},
	}, nil
}

func decodeBalancesTransfer(dec *scale.Decoder, module, function string) (Call, error) {
	dest, err := decodeMultiAddress(dec)
	if err != nil {
		return Call{}, fmt.Errorf("decode %s.%s dest: %w", module, function, err)
	}
	var value types.UCompact
	if err := dec.Decode(&value); err != nil {
		return Call{}, fmt.Errorf("decode %s.%s value: %w", module, function, err)
	}

	return Call{
		Module:   module,
		Function: function,
		Category: model.CategoryBalanceTransfer,
		Args: map[string]interface{}{
			"dest":  hexAccount(dest),
			"value": value.Int64(),
		},
		Participants: []AccountRef{{PubKey: dest, Role: "to"}},
	}, nil
}

func decodeBalancesTransferAll(dec *scale.Decoder, module, function string) (Call, error) {
	dest, err := decodeMultiAddress(dec)
	if err != nil {
		return Call{}, fmt.Errorf("decode %s.%s dest: %w", module, function, err)
	}
	var keepAlive types.Bool
	if err := dec.Decode(&keepAlive); err != nil {
		return Call{}, fmt.Errorf("decode %s.%s keep_alive: %w", module, function, err)
	}

	return Call{
		Module:   module,
		Function: function,
		Category: model.CategoryBalanceTransfer,
		Args: map[string]interface{}{
			"dest":       hexAccount(dest),
			"keep_alive": bool(keepAlive),
		},
		Participants: []AccountRef{{PubKey: dest, Role: "to"}},
	}, nil
}

func decodeStakingCall(dec *scale.Decoder, function string) (Call, error) {
	args := map[string]interface{}{}
	var participants []AccountRef

	switch function {
	case "bond":
		controller, err := decodeMultiAddress(dec)
		if err != nil {
			return Call{}, fmt.Errorf("decode Staking.bond controller: %w", err)
		}
		var amount types.UCompact
		if err := dec.Decode(&amount); err != nil {
			return Call{}, fmt.Errorf("decode Staking.bond amount: %w", err)
		}
		var payee types.RewardDestination
		if err := dec.Decode(&payee); err != nil {
			return Call{}, fmt.Errorf("decode Staking.bond payee: %w", err)
		}
		args["controller"] = hexAccount(controller)
		args["amount"] = amount.Int64()
		participants = append(participants, AccountRef{PubKey: controller, Role: "controller"})

	case "bond_extra":
		var amount types.UCompact
		if err := dec.Decode(&amount); err != nil {
			return Call{}, fmt.Errorf("decode Staking.bond_extra amount: %w", err)
		}
		args["amount"] = amount.Int64()

	case "unbond":
		var amount types.UCompact
		if err := dec.Decode(&amount); err != nil {
			return Call{}, fmt.Errorf("decode Staking.unbond amount: %w", err)
		}
		args["amount"] = amount.Int64()

	case "withdraw_unbonded":
		var hints types.U32
		if err := dec.Decode(&hints); err != nil {
			return Call{}, fmt.Errorf("decode Staking.withdraw_unbonded num_slashing_spans: %w", err)
		}
		args["num_slashing_spans"] = uint32(hints)

	case "nominate":
		var targets []types.AccountID
		if err := dec.Decode(&targets); err != nil {
			return Call{}, fmt.Errorf("decode Staking.nominate targets: %w", err)
		}
		names := make([]string, 0, len(targets))
		for _, t := range targets {
			pk := accountIDBytes(t)
			names = append(names, hexAccount(pk))
			participants = append(participants, AccountRef{PubKey: pk, Role: "target"})
		}
		args["targets"] = names

	case "chill":
		// no arguments

	case "set_controller":
		controller, err := decodeMultiAddress(dec)
		if err != nil {
			return Call{}, fmt.Errorf("decode Staking.set_controller: %w", err)
		}
		args["controller"] = hexAccount(controller)
		participants = append(participants, AccountRef{PubKey: controller, Role: "controller"})

	case "set_payee":
		var payee types.RewardDestination
		if err := dec.Decode(&payee); err != nil {
			return Call{}, fmt.Errorf("decode Staking.set_payee: %w", err)
		}

	case "payout_stakers":
		var validatorStash types.AccountID
		if err := dec.Decode(&validatorStash); err != nil {
			return Call{}, fmt.Errorf("decode Staking.payout_stakers validator_stash: %w", err)
		}
		var era types.U32
		if err := dec.Decode(&era); err != nil {
			return Call{}, fmt.Errorf("decode Staking.payout_stakers era: %w", err)
		}
		pk := accountIDBytes(validatorStash)
		args["validator_stash"] = hexAccount(pk)
		args["era"] = uint32(era)
		participants = append(participants, AccountRef{PubKey: pk, Role: "validator"})

	default:
		return Call{Module: "Staking", Function: function, Category: model.CategoryOther, Args: args}, nil
	}

	return Call{
		Module:       "Staking",
		Function:     function,
		Category:     model.CategoryStakingCall,
		Args:         args,
		Participants: participants,
	}, nil
}

func decodeBatch(dec *scale.Decoder, resolver *Resolver, module, function string, depth int) (Call, error) {
	var length types.UCompact
	if err := dec.Decode(&length); err != nil {
		return Call{}, fmt.Errorf("decode %s.%s call count: %w", module, function, err)
	}

	out := Call{
		Module:   module,
		Function: function,
		Category: model.CategoryBatch,
		Args:     map[string]interface{}{"call_count": length.Int64()},
	}

	if depth > maxBatchDepth {
		logging.GetDefault().Component("decode").Warn("batch nesting exceeds depth cap, classifying as other", "module", module, "function", function, "depth", depth)
		out.Category = model.CategoryOther
		out.Truncated = true
		return out, nil
	}

	n := length.Int64()
	for i := int64(0); i < n; i++ {
		inner, err := decodeCallFromStream(dec, resolver, depth+1)
		if err != nil {
			// An undecodable inner call doesn't invalidate the whole batch;
			// the batch record itself is still emitted (§4.2), so log the
			// error here and keep going with an Other placeholder; the
			// error is not returned to the caller.
			logging.GetDefault().Component("decode").Warn("undecodable call inside batch", "module", module, "function", function, "index", i, "err", err)
			inner = Call{Category: model.CategoryOther}
		}
		out.Inner = append(out.Inner, inner)
		out.Participants = append(out.Participants, inner.Participants...)
	}

	return out, nil
}

func decodeMultiAddress(dec *scale.Decoder) ([32]byte, error) {
	var addr types.MultiAddress
	if err := dec.Decode(&addr); err != nil {
		return [32]byte{}, err
	}
	if !addr.IsAccountID {
		return [32]byte{}, fmt.Errorf("decode: unsupported MultiAddress variant")
	}
	return accountIDBytes(addr.AsAccountID), nil
}

func accountIDBytes(id types.AccountID) [32]byte {
	var out [32]byte
	copy(out[:], id[:])
	return out
}

func hexAccount(pk [32]byte) string {
	return fmt.Sprintf("0x%x", pk[:])
}
