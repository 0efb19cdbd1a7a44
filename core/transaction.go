package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/tolelom/bikerush/crypto"
)

// Method names a contract call.
type Method string

const (
	MethodApprove               Method = "approve"
	MethodTransfer              Method = "transfer"
	MethodMintBike              Method = "mint_bike"
	MethodTransferBike          Method = "transfer_bike"
	MethodStartSession          Method = "start_session"
	MethodCompleteSession       Method = "complete_session"
	MethodClaimRewards          Method = "claim_rewards"
	MethodTransferRewardCredits Method = "transfer_reward_credits"
	MethodUpdateDailyChallenge  Method = "update_daily_challenge"
	MethodWithdrawProtocolFees  Method = "withdraw_protocol_fees"
)

// Call is one contract invocation inside a batch.
type Call struct {
	Method  Method          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewCall encodes payload into a Call. A nil payload encodes as no payload.
func NewCall(method Method, payload any) (Call, error) {
	if payload == nil {
		return Call{Method: method}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Call{}, fmt.Errorf("marshal %s payload: %w", method, err)
	}
	return Call{Method: method, Payload: raw}, nil
}

// MustCall is NewCall for payloads that cannot fail to encode.
func MustCall(method Method, payload any) Call {
	c, err := NewCall(method, payload)
	if err != nil {
		panic(err)
	}
	return c
}

// Transaction is a signed batch of calls. Either every call applies or
// none does. From holds the sender's hex-encoded ed25519 public key.
// When Sponsor is set the fee is charged to the sponsor, who co-signs the
// same hash.
type Transaction struct {
	ID               string `json:"id"`
	ChainID          string `json:"chain_id"`
	From             string `json:"from"`
	Nonce            uint64 `json:"nonce"`
	Fee              uint64 `json:"fee"`
	Timestamp        int64  `json:"timestamp"`
	Calls            []Call `json:"calls"`
	Sponsor          string `json:"sponsor,omitempty"`
	Signature        string `json:"signature"`
	SponsorSignature string `json:"sponsor_signature,omitempty"`
}

type signingBody struct {
	ChainID   string `json:"chain_id"`
	From      string `json:"from"`
	Nonce     uint64 `json:"nonce"`
	Fee       uint64 `json:"fee"`
	Timestamp int64  `json:"timestamp"`
	Calls     []Call `json:"calls"`
	Sponsor   string `json:"sponsor,omitempty"`
}

// Hash returns a deterministic hash of the transaction without signatures.
func (tx *Transaction) Hash() string {
	data, err := json.Marshal(signingBody{
		ChainID:   tx.ChainID,
		From:      tx.From,
		Nonce:     tx.Nonce,
		Fee:       tx.Fee,
		Timestamp: tx.Timestamp,
		Calls:     tx.Calls,
		Sponsor:   tx.Sponsor,
	})
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Sign signs the batch as the sender and sets ID.
func (tx *Transaction) Sign(priv crypto.PrivateKey) {
	hash := tx.Hash()
	tx.Signature = crypto.Sign(priv, []byte(hash))
	tx.ID = hash
}

// SignAsSponsor adds the fee payer's co-signature. Sponsor must already be
// set to the sponsor's public key before the sender signs.
func (tx *Transaction) SignAsSponsor(priv crypto.PrivateKey) {
	tx.SponsorSignature = crypto.Sign(priv, []byte(tx.Hash()))
}

// Verify checks the sender signature and, for sponsored batches, the sponsor
// co-signature.
func (tx *Transaction) Verify() error {
	if tx.From == "" {
		return errors.New("missing from field")
	}
	if len(tx.Calls) == 0 {
		return errors.New("empty batch")
	}
	hash := tx.Hash()
	if tx.ID != hash {
		return errors.New("tx id does not match hash")
	}
	pub, err := crypto.PubKeyFromHex(tx.From)
	if err != nil {
		return fmt.Errorf("invalid from: %w", err)
	}
	if err := crypto.Verify(pub, []byte(hash), tx.Signature); err != nil {
		return err
	}
	if tx.Sponsor == "" {
		return nil
	}
	spub, err := crypto.PubKeyFromHex(tx.Sponsor)
	if err != nil {
		return fmt.Errorf("invalid sponsor: %w", err)
	}
	if err := crypto.Verify(spub, []byte(hash), tx.SponsorSignature); err != nil {
		return fmt.Errorf("sponsor signature: %w", err)
	}
	return nil
}

// FeePayer returns the account charged for the fee.
func (tx *Transaction) FeePayer() string {
	if tx.Sponsor != "" {
		return tx.Sponsor
	}
	return tx.From
}

// NewTransaction creates an unsigned batch with the current timestamp.
func NewTransaction(chainID, from string, nonce, fee uint64, calls ...Call) *Transaction {
	return &Transaction{
		ChainID:   chainID,
		From:      from,
		Nonce:     nonce,
		Fee:       fee,
		Timestamp: time.Now().UnixNano(),
		Calls:     calls,
	}
}

// ---- Payload types ----

// ApprovePayload sets the caller's allowance for spender.
type ApprovePayload struct {
	Token   Token        `json:"token"`
	Spender string       `json:"spender"`
	Amount  *uint256.Int `json:"amount"`
}

// TransferPayload moves fungible tokens from the caller.
type TransferPayload struct {
	Token  Token        `json:"token"`
	To     string       `json:"to"`
	Amount *uint256.Int `json:"amount"`
}

// MintBikePayload buys a new bike of the given category.
type MintBikePayload struct {
	Category Category `json:"category"`
	Name     string   `json:"name"`
}

// TransferBikePayload hands a bike to another owner.
type TransferBikePayload struct {
	BikeID uint64 `json:"bike_id"`
	To     string `json:"to"`
}

// StartSessionPayload opens a session on an owned bike.
type StartSessionPayload struct {
	BikeID uint64 `json:"bike_id"`
	Mode   Mode   `json:"mode"`
}

// CompleteSessionPayload submits the result of a pending session.
type CompleteSessionPayload struct {
	SessionID uint64 `json:"session_id"`
	Score     uint64 `json:"score"`
	Distance  uint64 `json:"distance"`
	Dodged    uint64 `json:"dodged"`
}

// TransferRewardCreditsPayload moves unclaimed credits between players.
type TransferRewardCreditsPayload struct {
	To     string       `json:"to"`
	Amount *uint256.Int `json:"amount"`
}

// WithdrawProtocolFeesPayload pays out the protocol fee share.
type WithdrawProtocolFeesPayload struct {
	To string `json:"to"`
}
