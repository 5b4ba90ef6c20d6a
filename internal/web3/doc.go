// Package web3 houses blockchain connectivity utilities: the Backend
// abstraction consumed by the ledger reader, a signing Transactor that waits
// for confirmations, error classification for RPC failures, and multi-chain
// configuration helpers.
package web3
