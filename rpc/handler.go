package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/indexer"
	"github.com/tolelom/bikerush/storage"
)

// Handler holds all dependencies needed to serve RPC methods. Reads go to
// committed state only; the producer's write buffer is never observed.
type Handler struct {
	bc      *core.Blockchain
	mempool *core.Mempool
	db      storage.DB
	indexer *indexer.Indexer
	chainID string
}

// NewHandler creates an RPC Handler.
func NewHandler(bc *core.Blockchain, mempool *core.Mempool, db storage.DB, idx *indexer.Indexer, chainID string) *Handler {
	return &Handler{bc: bc, mempool: mempool, db: db, indexer: idx, chainID: chainID}
}

// committed opens a read view of the last committed state.
func (h *Handler) committed() core.State {
	return storage.NewStateDB(h.db)
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getBlockHeight":
		return okResponse(req.ID, h.bc.Height())
	case "getBlock":
		return h.getBlock(req)
	case "getAccount":
		return h.getAccount(req)
	case "getTokenBalance":
		return h.getTokenBalance(req)
	case "getPlayerRewards":
		return h.getPlayerRewards(req)
	case "getBike":
		return h.getBike(req)
	case "getBikesByOwner":
		return h.getBikesByOwner(req)
	case "getSession":
		return h.getSession(req)
	case "getSessionsByPlayer":
		return h.getSessionsByPlayer(req)
	case "getSessionCounter":
		return h.getSessionCounter(req)
	case "getDailyChallenge":
		return h.getDailyChallenge(req)
	case "getPrizePool":
		return h.getPrizePool(req)
	case "getReceipt":
		return h.getReceipt(req)
	case "sendTx":
		return h.sendTx(req)
	case "getMempoolSize":
		return okResponse(req.ID, h.mempool.Size())
	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

// decode unmarshals params; a nil result means success.
func decode(req Request, v any) *Response {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		resp := errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
		return &resp
	}
	return nil
}

func storeErr(id any, err error) Response {
	if errors.Is(err, core.ErrNotFound) {
		return errResponse(id, CodeNotFound, err.Error())
	}
	return errResponse(id, CodeInternalError, err.Error())
}

func (h *Handler) getBlock(req Request) Response {
	var params struct {
		Hash   string `json:"hash"`
		Height *int64 `json:"height"`
	}
	if r := decode(req, &params); r != nil {
		return *r
	}

	var (
		block *core.Block
		err   error
	)
	switch {
	case params.Hash != "":
		block, err = h.bc.GetBlock(params.Hash)
	case params.Height != nil:
		block, err = h.bc.GetBlockByHeight(*params.Height)
	default:
		block = h.bc.Tip()
	}
	if err != nil {
		return storeErr(req.ID, err)
	}
	if block == nil {
		return errResponse(req.ID, CodeNotFound, "no block found")
	}
	return okResponse(req.ID, block)
}

func (h *Handler) getAccount(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if r := decode(req, &params); r != nil {
		return *r
	}
	if params.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	acc, err := h.committed().GetAccount(params.Address)
	if err != nil {
		return storeErr(req.ID, err)
	}
	return okResponse(req.ID, acc)
}

func (h *Handler) getTokenBalance(req Request) Response {
	var params struct {
		Token core.Token `json:"token"`
		Owner string     `json:"owner"`
	}
	if r := decode(req, &params); r != nil {
		return *r
	}
	if !params.Token.Valid() || params.Owner == "" {
		return errResponse(req.ID, CodeInvalidParams, "token and owner are required")
	}
	bal, err := h.committed().GetTokenBalance(params.Token, params.Owner)
	if err != nil {
		return storeErr(req.ID, err)
	}
	return okResponse(req.ID, TokenBalance{Token: string(params.Token), Owner: params.Owner, Amount: bal.Dec()})
}

func (h *Handler) getPlayerRewards(req Request) Response {
	var params struct {
		Player string `json:"player"`
	}
	if r := decode(req, &params); r != nil {
		return *r
	}
	if params.Player == "" {
		return errResponse(req.ID, CodeInvalidParams, "player is required")
	}
	owed, err := h.committed().GetRewards(params.Player)
	if err != nil {
		return storeErr(req.ID, err)
	}
	return okResponse(req.ID, PlayerRewards{Player: params.Player, Amount: owed.Dec()})
}

func (h *Handler) getBike(req Request) Response {
	var params struct {
		ID *uint64 `json:"id"`
	}
	if r := decode(req, &params); r != nil {
		return *r
	}
	if params.ID == nil {
		return errResponse(req.ID, CodeInvalidParams, "id is required")
	}
	bike, err := h.committed().GetBike(*params.ID)
	if err != nil {
		return storeErr(req.ID, err)
	}
	return okResponse(req.ID, bike)
}

func (h *Handler) getBikesByOwner(req Request) Response {
	var params struct {
		Owner string `json:"owner"`
	}
	if r := decode(req, &params); r != nil {
		return *r
	}
	if params.Owner == "" {
		return errResponse(req.ID, CodeInvalidParams, "owner is required")
	}
	ids, err := h.indexer.BikesByOwner(params.Owner)
	if err != nil {
		return storeErr(req.ID, err)
	}
	if ids == nil {
		ids = []uint64{}
	}
	return okResponse(req.ID, ids)
}

func (h *Handler) getSession(req Request) Response {
	var params struct {
		ID uint64 `json:"id"`
	}
	if r := decode(req, &params); r != nil {
		return *r
	}
	if params.ID == 0 {
		return errResponse(req.ID, CodeInvalidParams, "id is required")
	}
	sess, err := h.committed().GetSession(params.ID)
	if err != nil {
		return storeErr(req.ID, err)
	}
	return okResponse(req.ID, sess)
}

func (h *Handler) getSessionsByPlayer(req Request) Response {
	var params struct {
		Player string `json:"player"`
	}
	if r := decode(req, &params); r != nil {
		return *r
	}
	if params.Player == "" {
		return errResponse(req.ID, CodeInvalidParams, "player is required")
	}
	ids, err := h.indexer.SessionsByPlayer(params.Player)
	if err != nil {
		return storeErr(req.ID, err)
	}
	if ids == nil {
		ids = []uint64{}
	}
	return okResponse(req.ID, ids)
}

func (h *Handler) getSessionCounter(req Request) Response {
	n, err := h.committed().GetCounter(core.CounterSession)
	if err != nil {
		return storeErr(req.ID, err)
	}
	return okResponse(req.ID, n)
}

// getDailyChallenge returns the challenge of the requested day, or the
// current one when no day is given. A day that was never rolled yields an
// inactive placeholder for that day.
func (h *Handler) getDailyChallenge(req Request) Response {
	var params struct {
		Day *uint64 `json:"day"`
	}
	if r := decode(req, &params); r != nil {
		return *r
	}
	st := h.committed()
	if params.Day != nil {
		chal, err := st.GetDailyChallenge(*params.Day)
		if errors.Is(err, core.ErrNotFound) {
			return okResponse(req.ID, &core.DailyChallenge{Day: *params.Day, Reward: core.AmountOrZero(nil)})
		}
		if err != nil {
			return storeErr(req.ID, err)
		}
		return okResponse(req.ID, chal)
	}
	chal, err := core.CurrentChallenge(st)
	if errors.Is(err, core.ErrNotFound) {
		return errResponse(req.ID, CodeNotFound, "no daily challenge yet")
	}
	if err != nil {
		return storeErr(req.ID, err)
	}
	return okResponse(req.ID, chal)
}

func (h *Handler) getPrizePool(req Request) Response {
	st := h.committed()
	var out Pools
	for name, dst := range map[core.Pool]*string{
		core.PoolPrize:         &out.PrizePool,
		core.PoolProtocolFees:  &out.ProtocolFees,
		core.PoolTotalComputed: &out.TotalComputed,
		core.PoolTotalClaimed:  &out.TotalClaimed,
	} {
		v, err := st.GetPool(name)
		if err != nil {
			return storeErr(req.ID, err)
		}
		*dst = v.Dec()
	}
	return okResponse(req.ID, out)
}

func (h *Handler) getReceipt(req Request) Response {
	var params struct {
		TxID string `json:"tx_id"`
	}
	if r := decode(req, &params); r != nil {
		return *r
	}
	if params.TxID == "" {
		return errResponse(req.ID, CodeInvalidParams, "tx_id is required")
	}
	rcpt, err := h.bc.GetReceipt(params.TxID)
	if err != nil {
		return storeErr(req.ID, err)
	}
	return okResponse(req.ID, rcpt)
}

func (h *Handler) sendTx(req Request) Response {
	var tx core.Transaction
	if err := json.Unmarshal(req.Params, &tx); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if tx.ChainID != h.chainID {
		return errResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("chain ID mismatch: got %q want %q", tx.ChainID, h.chainID))
	}
	if h.bc.Settled(tx.ID) {
		return errResponse(req.ID, CodeTxRejected, core.ErrTxSettled.Error())
	}
	if err := h.mempool.Add(&tx); err != nil {
		return errResponse(req.ID, CodeTxRejected, err.Error())
	}
	return okResponse(req.ID, SendTxResult{TxID: tx.ID})
}
