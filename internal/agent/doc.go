// Package agent orchestrates a single decision from proof generation through
// persistence and optional submission to an on-chain verifier. It also serves
// lookups over stored proofs and offline or on-chain verification.
package agent
