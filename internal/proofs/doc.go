// Package proofs implements the decision proof engine: canonical encoding of
// candidate actions, a sorted-pair Keccak Merkle commitment over the candidate
// set, inclusion proofs for the chosen action, a timestamped commitment signed
// with an EIP-191 personal-message signature, and the matching verifier.
//
// Every hash produced here must match the on-chain verifier byte for byte, so
// field widths, pair ordering and the message prefix are fixed.
package proofs
