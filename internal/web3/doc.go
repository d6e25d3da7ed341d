// Package web3 houses the blockchain side of anchoring: the Anchorer
// abstraction implemented by chain clients, the embedded AssuredRegistry
// ABI, digest normalisation, and the chain.yaml definitions consumed by the
// provider registry.
package web3
