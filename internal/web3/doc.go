// Package web3 houses blockchain connectivity utilities: the submission
// channel that forwards encoded decision proofs to an on-chain verifier,
// transaction signers, and multi-chain configuration helpers.
package web3
