package wallet

import (
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/crypto"
)

// Wallet holds a key pair and signs batches.
type Wallet struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public()}
}

// Generate creates a Wallet with a freshly generated key pair.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// PrivKey returns the raw private key.
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// Address returns the hex-encoded public key used as the account address.
func (w *Wallet) Address() string {
	return w.pub.Hex()
}

// NewBatch creates a signed batch. chainID must match the target network
// and nonce the account's current nonce.
func (w *Wallet) NewBatch(chainID string, nonce, fee uint64, calls ...core.Call) *core.Transaction {
	tx := core.NewTransaction(chainID, w.Address(), nonce, fee, calls...)
	tx.Sign(w.priv)
	return tx
}

// NewSponsoredBatch creates a batch whose fee is paid by sponsor. The
// sponsor co-signs after the sender.
func (w *Wallet) NewSponsoredBatch(chainID string, nonce, fee uint64, sponsor *Wallet, calls ...core.Call) *core.Transaction {
	tx := core.NewTransaction(chainID, w.Address(), nonce, fee, calls...)
	tx.Sponsor = sponsor.Address()
	tx.Sign(w.priv)
	tx.SignAsSponsor(sponsor.priv)
	return tx
}
