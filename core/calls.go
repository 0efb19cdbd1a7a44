package core

import "github.com/holiman/uint256"

// Call constructors for the contract surface. Payload encoding of these
// types cannot fail.

func ApproveCall(token Token, spender string, amount *uint256.Int) Call {
	return MustCall(MethodApprove, ApprovePayload{Token: token, Spender: spender, Amount: amount})
}

func TransferCall(token Token, to string, amount *uint256.Int) Call {
	return MustCall(MethodTransfer, TransferPayload{Token: token, To: to, Amount: amount})
}

func MintBikeCall(category Category, name string) Call {
	return MustCall(MethodMintBike, MintBikePayload{Category: category, Name: name})
}

func TransferBikeCall(bikeID uint64, to string) Call {
	return MustCall(MethodTransferBike, TransferBikePayload{BikeID: bikeID, To: to})
}

func StartSessionCall(bikeID uint64, mode Mode) Call {
	return MustCall(MethodStartSession, StartSessionPayload{BikeID: bikeID, Mode: mode})
}

func CompleteSessionCall(sessionID, score, distance, dodged uint64) Call {
	return MustCall(MethodCompleteSession, CompleteSessionPayload{
		SessionID: sessionID,
		Score:     score,
		Distance:  distance,
		Dodged:    dodged,
	})
}

func ClaimRewardsCall() Call {
	return Call{Method: MethodClaimRewards}
}

func TransferRewardCreditsCall(to string, amount *uint256.Int) Call {
	return MustCall(MethodTransferRewardCredits, TransferRewardCreditsPayload{To: to, Amount: amount})
}

func UpdateDailyChallengeCall() Call {
	return Call{Method: MethodUpdateDailyChallenge}
}

func WithdrawProtocolFeesCall(to string) Call {
	return MustCall(MethodWithdrawProtocolFees, WithdrawProtocolFeesPayload{To: to})
}
