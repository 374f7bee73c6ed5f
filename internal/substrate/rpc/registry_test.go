package rpc

import (
	"context"
	"testing"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
)

type stubClient struct{ closed bool }

func (s *stubClient) HeadHeight(ctx context.Context) (uint64, error)      { return 100, nil }
func (s *stubClient) FinalizedHeight(ctx context.Context) (uint64, error) { return 84, nil }
func (s *stubClient) HashAt(ctx context.Context, height uint64) (string, error) {
	return "0xdeadbeef", nil
}
func (s *stubClient) Block(ctx context.Context, hash string) (*RawBlock, error) { return nil, nil }
func (s *stubClient) Events(ctx context.Context, hash string) ([]RawEvent, error) {
	return nil, nil
}
func (s *stubClient) Metadata(ctx context.Context) (*types.Metadata, error) { return nil, nil }
func (s *stubClient) AccountCreationHeight(ctx context.Context, pubkey [32]byte) (uint64, bool, error) {
	return 0, false, nil
}
func (s *stubClient) Close() error { s.closed = true; return nil }

var _ Client = (*stubClient)(nil)

func TestRegistryRegisterGet(t *testing.T) {
	r := NewRegistry()
	c := &stubClient{}
	r.Register("kusama", c)

	got, ok := r.Get("kusama")
	if !ok || got != c {
		t.Fatalf("expected registered client to be returned")
	}

	if _, ok := r.Get("polkadot"); ok {
		t.Fatalf("expected no client registered for polkadot")
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	a := &stubClient{}
	b := &stubClient{}
	r.Register("kusama", a)
	r.Register("polkadot", b)

	r.CloseAll()

	if !a.closed || !b.closed {
		t.Fatalf("expected all registered clients to be closed")
	}
}

func TestIsNotFoundErr(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errString("unknown block: abc"), true},
		{errString("block not found"), true},
		{errString("connection refused"), false},
	}
	for _, tc := range cases {
		if got := isNotFoundErr(tc.err); got != tc.want {
			t.Fatalf("isNotFoundErr(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
