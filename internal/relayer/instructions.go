package relayer

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/near/borsh-go"

	"github.com/juno-intents/shielded-pool/internal/field"
)

// InstructionDiscriminator is the 8-byte Anchor selector for a program method.
func InstructionDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

var (
	withdrawDiscriminator = InstructionDiscriminator("withdraw")
	swapDiscriminator     = InstructionDiscriminator("swap")
)

type proofArgs struct {
	ProofA            [64]byte
	ProofB            [128]byte
	ProofC            [64]byte
	Root              [32]byte
	PublicAmount      [32]byte
	ExtDataHash       [32]byte
	InputNullifiers   [2][32]byte
	OutputCommitments [2][32]byte
}

type extDataArgs struct {
	Recipient    [32]byte
	ExtAmount    int64
	Fee          uint64
	FeeRecipient [32]byte
	Mint         [32]byte
}

type withdrawArgs struct {
	Proof           proofArgs
	ExtData         extDataArgs
	EncryptedOutput []byte
}

type swapArgs struct {
	Proof           proofArgs
	ExtData         extDataArgs
	EncryptedOutput []byte
	MinAmountOut    uint64
	SwapData        []byte
}

func newProofArgs(in ProofInputs) proofArgs {
	return proofArgs{
		ProofA:            in.Proof.A,
		ProofB:            in.Proof.B,
		ProofC:            in.Proof.C,
		Root:              field.ToBytes32(in.Root),
		PublicAmount:      field.ToBytes32(in.PublicAmount),
		ExtDataHash:       field.ToBytes32(in.ExtDataHash),
		InputNullifiers:   in.Nullifiers,
		OutputCommitments: in.Commitments,
	}
}

func newExtDataArgs(e ExtData) extDataArgs {
	return extDataArgs{
		Recipient:    e.Recipient,
		ExtAmount:    e.ExtAmount,
		Fee:          e.Fee,
		FeeRecipient: e.FeeRecipient,
		Mint:         e.Mint,
	}
}

// EncodeWithdrawData returns discriminator ‖ borsh(args).
func EncodeWithdrawData(w *Withdraw) ([]byte, error) {
	return encode(withdrawDiscriminator, withdrawArgs{
		Proof:           newProofArgs(w.Inputs),
		ExtData:         newExtDataArgs(w.Ext),
		EncryptedOutput: w.EncryptedOutput,
	})
}

func EncodeSwapData(s *Swap) ([]byte, error) {
	return encode(swapDiscriminator, swapArgs{
		Proof:           newProofArgs(s.Inputs),
		ExtData:         newExtDataArgs(s.Ext),
		EncryptedOutput: s.EncryptedOutput,
		MinAmountOut:    s.MinAmountOut,
		SwapData:        s.SwapData,
	})
}

func encode(disc [8]byte, args any) ([]byte, error) {
	body, err := borsh.Serialize(args)
	if err != nil {
		return nil, fmt.Errorf("relayer: encode args: %w", err)
	}
	return append(disc[:], body...), nil
}

// SetComputeUnitLimit builds the compute budget instruction.
func SetComputeUnitLimit(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = 2
	binary.LittleEndian.PutUint32(data[1:], units)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}
