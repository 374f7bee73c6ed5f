package transport

import (
	"github.com/chainwatch-project/chainwatch/internal/model"
	"github.com/chainwatch-project/chainwatch/internal/session"
)

// ControllerAdapter satisfies Dispatcher by forwarding to a
// *session.Controller, converting its concrete *session.Session return
// into the narrower SessionHandle interface this package depends on.
type ControllerAdapter struct {
	Controller *session.Controller
}

func (a *ControllerAdapter) Attach(chain string, accounts []model.WatchedAccount) (SessionHandle, error) {
	s, err := a.Controller.Attach(chain, accounts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a *ControllerAdapter) AddAccount(sessionID, chain string, account model.WatchedAccount) error {
	return a.Controller.AddAccount(sessionID, chain, account)
}

func (a *ControllerAdapter) RemoveAccount(sessionID, chain string, pubkey [32]byte) error {
	return a.Controller.RemoveAccount(sessionID, chain, pubkey)
}

func (a *ControllerAdapter) Pause(sessionID string) error  { return a.Controller.Pause(sessionID) }
func (a *ControllerAdapter) Resume(sessionID string) error { return a.Controller.Resume(sessionID) }
func (a *ControllerAdapter) Stop(sessionID string) error   { return a.Controller.Stop(sessionID) }

func (a *ControllerAdapter) Status(sessionID string) ([]model.Progress, error) {
	return a.Controller.Status(sessionID)
}

func (a *ControllerAdapter) DrainErrors(sessionID string) ([]error, error) {
	return a.Controller.DrainErrors(sessionID)
}

func (a *ControllerAdapter) QueryExtrinsics(sessionID, chain string, pubkey [32]byte, fromTS, toTS int64) ([]model.ExtrinsicRecord, error) {
	return a.Controller.QueryExtrinsics(sessionID, chain, pubkey, fromTS, toTS)
}

func (a *ControllerAdapter) QueryStaking(sessionID, chain string, pubkey [32]byte, fromHeight, toHeight uint64) ([]model.StakingEventRecord, error) {
	return a.Controller.QueryStaking(sessionID, chain, pubkey, fromHeight, toHeight)
}

func (a *ControllerAdapter) ResetHistory(sessionID, chain string, pubkey *[32]byte) error {
	return a.Controller.ResetHistory(sessionID, chain, pubkey)
}

var _ Dispatcher = (*ControllerAdapter)(nil)
