// Package asset implements the bike calls: paid minting from the fixed
// category table and ownership transfer.
package asset

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/crypto"
	"github.com/tolelom/bikerush/events"
	"github.com/tolelom/bikerush/vm"
	"github.com/tolelom/bikerush/vm/modules/economy"
)

const maxNameLen = 64

func init() {
	vm.Register(core.MethodMintBike, handleMintBike)
	vm.Register(core.MethodTransferBike, handleTransferBike)
}

func handleMintBike(ctx *vm.Context, payload json.RawMessage) error {
	var p core.MintBikePayload
	if err := vm.Decode(payload, &p); err != nil {
		return err
	}
	stats, ok := core.BaseStats[p.Category]
	price := ctx.Economy.Price(p.Category)
	if !ok || price == nil {
		return core.Revert(core.ErrUnknownCategory, "category %q", p.Category)
	}
	if len(p.Name) > maxNameLen {
		return core.Revert(core.ErrInvalidArgument, "name longer than %d bytes", maxNameLen)
	}

	owner := ctx.Caller()
	if err := economy.Spend(ctx, core.TokenStable, owner, core.ContractAddress, core.ContractAddress, price); err != nil {
		return err
	}

	id, err := ctx.State.GetCounter(core.CounterBike)
	if err != nil {
		return err
	}
	bike := &core.Bike{
		ID:           id,
		Owner:        owner,
		Category:     p.Category,
		Name:         p.Name,
		Speed:        stats.Speed,
		Acceleration: stats.Acceleration,
		Handling:     stats.Handling,
		CreatedAt:    ctx.Block.Unix(),
	}
	if err := ctx.State.SetBike(bike); err != nil {
		return err
	}
	if err := ctx.State.SetCounter(core.CounterBike, id+1); err != nil {
		return err
	}

	ctx.Emit(events.EventBikeMinted, map[string]any{
		"bike_id":  id,
		"owner":    owner,
		"category": string(p.Category),
		"price":    price.Dec(),
	})
	return nil
}

func handleTransferBike(ctx *vm.Context, payload json.RawMessage) error {
	var p core.TransferBikePayload
	if err := vm.Decode(payload, &p); err != nil {
		return err
	}
	if !crypto.IsAddress(p.To) || p.To == ctx.Caller() {
		return core.Revert(core.ErrInvalidRecipient, "to %q", p.To)
	}

	bike, err := OwnedBike(ctx.State, p.BikeID, ctx.Caller())
	if err != nil {
		return err
	}
	bike.Owner = p.To
	if err := ctx.State.SetBike(bike); err != nil {
		return err
	}

	ctx.Emit(events.EventBikeTransfer, map[string]any{
		"bike_id": p.BikeID,
		"from":    ctx.Caller(),
		"to":      p.To,
	})
	return nil
}

// OwnedBike loads bike id and checks it belongs to owner. Missing bikes and
// foreign bikes both fail with ErrNotAssetOwner.
func OwnedBike(st core.State, id uint64, owner string) (*core.Bike, error) {
	bike, err := st.GetBike(id)
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.Revert(core.ErrNotAssetOwner, "bike %d does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load bike %d: %w", id, err)
	}
	if bike.Owner != owner {
		return nil, core.Revert(core.ErrNotAssetOwner, "bike %d", id)
	}
	return bike, nil
}
