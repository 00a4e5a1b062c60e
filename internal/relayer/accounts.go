package relayer

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// PDA seeds of the pool program.
var (
	seedTree          = []byte("merkle_tree")
	seedGlobalConfig  = []byte("global_config")
	seedTreeToken     = []byte("tree_token")
	seedReserve       = []byte("reserve")
	seedNullifier0    = []byte("nullifier0")
	seedNullifier1    = []byte("nullifier1")
	seedSwapAuthority = []byte("swap_authority")
)

// ComputeBudgetProgramID is the native compute budget program.
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// ProgramAccounts are the fixed program-derived addresses of one deployment.
type ProgramAccounts struct {
	Program       solana.PublicKey
	Tree          solana.PublicKey
	GlobalConfig  solana.PublicKey
	TreeToken     solana.PublicKey
	SwapAuthority solana.PublicKey
}

func DeriveProgramAccounts(program solana.PublicKey) (ProgramAccounts, error) {
	out := ProgramAccounts{Program: program}
	var err error
	if out.Tree, err = pda(program, seedTree); err != nil {
		return ProgramAccounts{}, err
	}
	if out.GlobalConfig, err = pda(program, seedGlobalConfig); err != nil {
		return ProgramAccounts{}, err
	}
	if out.TreeToken, err = pda(program, seedTreeToken); err != nil {
		return ProgramAccounts{}, err
	}
	if out.SwapAuthority, err = pda(program, seedSwapAuthority); err != nil {
		return ProgramAccounts{}, err
	}
	return out, nil
}

// ReserveAuthority owns the pool's token account for mint.
func (p ProgramAccounts) ReserveAuthority(mint solana.PublicKey) (solana.PublicKey, error) {
	return pda(p.Program, seedReserve, mint[:])
}

// NullifierMarkers are the accounts whose creation marks both inputs spent.
func (p ProgramAccounts) NullifierMarkers(nullifiers [2][32]byte) ([2]solana.PublicKey, error) {
	var out [2]solana.PublicKey
	var err error
	if out[0], err = pda(p.Program, seedNullifier0, nullifiers[0][:]); err != nil {
		return out, err
	}
	if out[1], err = pda(p.Program, seedNullifier1, nullifiers[1][:]); err != nil {
		return out, err
	}
	return out, nil
}

func pda(program solana.PublicKey, seeds ...[]byte) (solana.PublicKey, error) {
	pk, _, err := solana.FindProgramAddress(seeds, program)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("relayer: derive %q: %w", seeds[0], err)
	}
	return pk, nil
}

func ata(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	pk, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("relayer: associated token address: %w", err)
	}
	return pk, nil
}

func writable(pk solana.PublicKey) *solana.AccountMeta {
	return &solana.AccountMeta{PublicKey: pk, IsWritable: true}
}

func readonly(pk solana.PublicKey) *solana.AccountMeta {
	return &solana.AccountMeta{PublicKey: pk}
}

func signer(pk solana.PublicKey) *solana.AccountMeta {
	return &solana.AccountMeta{PublicKey: pk, IsWritable: true, IsSigner: true}
}
