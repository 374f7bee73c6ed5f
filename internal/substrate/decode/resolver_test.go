package decode

import "testing"

func TestResolverLookupMissReturnsNotOK(t *testing.T) {
	r := &Resolver{index: map[[2]byte]callSite{}}
	_, _, ok := r.Resolve([2]byte{5, 5})
	if ok {
		t.Fatalf("expected lookup miss on empty index")
	}
}

func TestResolverLookupHit(t *testing.T) {
	r := &Resolver{index: map[[2]byte]callSite{
		{6, 0}: {PalletName: "Balances", PalletIdx: 6, CallName: "transfer_keep_alive", CallIdx: 0},
	}}

	module, function, ok := r.Resolve([2]byte{6, 0})
	if !ok {
		t.Fatalf("expected lookup hit")
	}
	if module != "Balances" || function != "transfer_keep_alive" {
		t.Fatalf("unexpected resolve result: %s.%s", module, function)
	}
}
