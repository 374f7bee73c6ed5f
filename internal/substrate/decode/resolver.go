// Package decode turns a rpc.RawExtrinsic's raw CallIndex/ArgsRaw into a
// classified, fully decoded record: module/function name resolution walks
// the runtime's type registry (gsrpc's metadata V14 Pallets + Lookup), and
// each known call is decoded by a hand-written decoder rather than a
// generic reflection-based SCALE walker, mirroring how the reference
// bridge code builds specific calls by name instead of generically.
package decode

import (
	"fmt"
	"sync"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
)

// callSite identifies one callable function within a pallet's Call enum.
type callSite struct {
	PalletName string
	PalletIdx  uint8
	CallName   string
	CallIdx    uint8
}

// Resolver maps a [2]byte CallIndex to its pallet/call name by walking the
// runtime metadata's pallet list and portable type registry once per
// metadata version, then answering lookups from a flat map.
type Resolver struct {
	mu    sync.RWMutex
	meta  *types.Metadata
	index map[[2]byte]callSite
}

// NewResolver builds a Resolver from a metadata snapshot.
func NewResolver(meta *types.Metadata) (*Resolver, error) {
	r := &Resolver{}
	if err := r.Reload(meta); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rebuilds the index from a (possibly new) metadata snapshot.
// NewResolver calls it once; nothing else calls it after a runtime upgrade,
// so CallIndex resolution follows the metadata the resolver was built from.
func (r *Resolver) Reload(meta *types.Metadata) error {
	if !meta.IsMetadataV14 {
		return fmt.Errorf("decode: unsupported metadata version, only V14 is supported")
	}

	v14 := meta.AsMetadataV14
	idx := make(map[[2]byte]callSite)

	types_ := make(map[int64]types.Si1Type, len(v14.Lookup.Types))
	for _, t := range v14.Lookup.Types {
		types_[int64(t.ID.Int64())] = t.Type
	}

	for _, pallet := range v14.Pallets {
		if !pallet.HasCalls {
			continue
		}
		callType, ok := types_[int64(pallet.Calls.Type.Int64())]
		if !ok || !callType.Def.IsVariant {
			continue
		}
		for _, variant := range callType.Def.Variant.Variants {
			key := [2]byte{uint8(pallet.Index), uint8(variant.Index)}
			idx[key] = callSite{
				PalletName: string(pallet.Name),
				PalletIdx:  uint8(pallet.Index),
				CallName:   string(variant.Name),
				CallIdx:    uint8(variant.Index),
			}
		}
	}

	r.mu.Lock()
	r.meta = meta
	r.index = idx
	r.mu.Unlock()
	return nil
}

// Resolve returns the pallet/call names for a CallIndex, or ok=false if the
// metadata doesn't describe this index (a call added by a runtime upgrade
// this resolver hasn't reloaded for, or simply malformed input).
func (r *Resolver) Resolve(callIndex [2]byte) (module, function string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	site, found := r.index[callIndex]
	if !found {
		return "", "", false
	}
	return site.PalletName, site.CallName, true
}
