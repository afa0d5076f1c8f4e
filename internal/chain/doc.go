// Package chain implements the transaction pipeline collaborators on EVM
// compatible networks: pool-manager calldata encoding, nonce tracking,
// EIP-1559 signing, broadcast and receipt polling, plus native balance reads
// used by the funds source.
package chain
