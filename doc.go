/*
Package e2ecall implements the group key agreement and authenticated log used
to run end-to-end encrypted group calls without trusting the relaying server.

A dynamic set of participants, identified by long-term Ed25519 public keys,
agrees on the current group membership and its permissions, on the symmetric
secret encrypting call media, and on a short human-comparable fingerprint
proving that everybody derived the same secret.

The repository is organised bottom-up:

  - bitstring: immutable views over shared bit buffers, the trie's key type
  - wire:      the boxed binary codec every signed message is expressed in
  - trie:      a binary Merkle-Patricia trie with pruned proofs and snapshots
  - chain:     the permissioned, hash-linked ledger and its client/server roles
  - keys:      Ed25519 keys, schnorr signatures, ECDH and symmetric primitives
  - call:      commit-reveal verification, epoch encryption and the Call facade

Transport is out of scope: the core consumes and produces byte slices that the
caller moves between participants and the server.
*/
package e2ecall
