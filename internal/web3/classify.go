package web3

import (
	"errors"

	gethcore "github.com/ethereum/go-ethereum"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
)

// Classify decides whether a chain access failure came from the node
// answering with an error (a revert, a bad argument) or from being unable to
// reach the node at all. Only the latter is retried by callers.
func Classify(err error) xerrors.Code {
	if err == nil {
		return ""
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeUnknown {
		return code
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return xerrors.CodeLedgerLogic
	}
	if errors.Is(err, gethcore.NotFound) {
		return xerrors.CodeLedgerLogic
	}
	return xerrors.CodeConnectivity
}

// Wrap annotates err with the code chosen by Classify.
func Wrap(err error, message string, opts ...xerrors.Option) error {
	if err == nil {
		return nil
	}
	return xerrors.Wrap(Classify(err), err, message, opts...)
}

// IsConnectivity reports whether err was classified as a connectivity failure.
func IsConnectivity(err error) bool {
	return xerrors.HasCode(err, xerrors.CodeConnectivity)
}
