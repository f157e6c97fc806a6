package e2ecall

import (
	"go.dedis.ch/kyber/v3/suites"
)

// Suite is the cryptographic suite used by every key, signature and shared
// secret in this repository. All participants of a call must agree on it.
var Suite = suites.MustFind("Ed25519")
