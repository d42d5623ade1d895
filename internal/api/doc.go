// Package api exposes the proofd REST surface: asynchronous proof jobs,
// stateless proof verification and encoding, proof history, verifier contract
// queries and the Prometheus scrape endpoint.
package api
