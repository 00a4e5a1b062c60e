package relayer

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gagliardetto/solana-go"

	"github.com/juno-intents/shielded-pool/internal/field"
	"github.com/juno-intents/shielded-pool/internal/jobqueue"
	"github.com/juno-intents/shielded-pool/internal/note"
)

var ErrInvalidRequest = errors.New("relayer: invalid request")

// ProofJSON carries the Groth16 proof parts as 0x-hex.
type ProofJSON struct {
	A hexutil.Bytes `json:"a"`
	B hexutil.Bytes `json:"b"`
	C hexutil.Bytes `json:"c"`
}

// ExtDataJSON is the public transaction data bound into the proof.
type ExtDataJSON struct {
	Recipient    string `json:"recipient"`
	ExtAmount    string `json:"extAmount"`
	Fee          string `json:"fee"`
	FeeRecipient string `json:"feeRecipient"`
	Mint         string `json:"mint"`
}

// ProofInputsJSON is shared by withdraw and swap bodies.
type ProofInputsJSON struct {
	Proof             ProofJSON     `json:"proof"`
	Root              string        `json:"root"`
	PublicAmount      string        `json:"publicAmount"`
	ExtDataHash       string        `json:"extDataHash"`
	InputNullifiers   []string      `json:"inputNullifiers"`
	OutputCommitments []string      `json:"outputCommitments"`
	ExtData           ExtDataJSON   `json:"extData"`
	EncryptedOutput   hexutil.Bytes `json:"encryptedOutput"`
}

type WithdrawBody struct {
	ProofInputsJSON
}

type AccountJSON struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

type SwapBody struct {
	ProofInputsJSON
	OutputMint   string        `json:"outputMint"`
	MinAmountOut string        `json:"minAmountOut"`
	SwapData     hexutil.Bytes `json:"swapData"`
	SwapAccounts []AccountJSON `json:"swapAccounts"`
	LookupTables []string      `json:"lookupTables"`
}

// ProofInputs are the verified public inputs of a transaction proof.
type ProofInputs struct {
	Proof        field.Proof
	Root         *big.Int
	PublicAmount *big.Int
	ExtDataHash  *big.Int
	Nullifiers   [2][32]byte
	Commitments  [2][32]byte
}

type ExtData struct {
	Recipient    solana.PublicKey
	ExtAmount    int64
	Fee          uint64
	FeeRecipient solana.PublicKey
	Mint         solana.PublicKey
}

// Payout is the amount leaving the pool, before the fee.
func (e ExtData) Payout() uint64 { return uint64(-e.ExtAmount) }

type Withdraw struct {
	Inputs          ProofInputs
	Ext             ExtData
	EncryptedOutput []byte
}

func (w *Withdraw) JobType() jobqueue.Type { return jobqueue.TypeWithdraw }

func (w *Withdraw) ProofFields() ([2][32]byte, field.Proof) {
	return w.Inputs.Nullifiers, w.Inputs.Proof
}

type Swap struct {
	Withdraw
	OutputMint   solana.PublicKey
	MinAmountOut uint64
	SwapData     []byte
	SwapAccounts []*solana.AccountMeta
	LookupTables []solana.PublicKey
}

func (s *Swap) JobType() jobqueue.Type { return jobqueue.TypeSwap }

// ParseWithdraw validates a withdraw body into its typed form.
func ParseWithdraw(b WithdrawBody) (*Withdraw, error) {
	return parseInputs(b.ProofInputsJSON)
}

// ParseSwap validates a swap body into its typed form.
func ParseSwap(b SwapBody) (*Swap, error) {
	w, err := parseInputs(b.ProofInputsJSON)
	if err != nil {
		return nil, err
	}
	out, err := parseKey("outputMint", b.OutputMint)
	if err != nil {
		return nil, err
	}
	if out.Equals(w.Ext.Mint) {
		return nil, fmt.Errorf("%w: outputMint equals input mint", ErrInvalidRequest)
	}
	minOut, err := parseUint("minAmountOut", b.MinAmountOut)
	if err != nil {
		return nil, err
	}
	if len(b.SwapData) == 0 {
		return nil, fmt.Errorf("%w: swapData required", ErrInvalidRequest)
	}
	if len(b.SwapAccounts) == 0 {
		return nil, fmt.Errorf("%w: swapAccounts required", ErrInvalidRequest)
	}
	metas := make([]*solana.AccountMeta, 0, len(b.SwapAccounts))
	for i, a := range b.SwapAccounts {
		pk, err := parseKey(fmt.Sprintf("swapAccounts[%d]", i), a.Pubkey)
		if err != nil {
			return nil, err
		}
		metas = append(metas, &solana.AccountMeta{PublicKey: pk, IsSigner: a.IsSigner, IsWritable: a.IsWritable})
	}
	tables := make([]solana.PublicKey, 0, len(b.LookupTables))
	for i, s := range b.LookupTables {
		pk, err := parseKey(fmt.Sprintf("lookupTables[%d]", i), s)
		if err != nil {
			return nil, err
		}
		tables = append(tables, pk)
	}
	return &Swap{
		Withdraw:     *w,
		OutputMint:   out,
		MinAmountOut: minOut,
		SwapData:     append([]byte(nil), b.SwapData...),
		SwapAccounts: metas,
		LookupTables: tables,
	}, nil
}

func parseInputs(b ProofInputsJSON) (*Withdraw, error) {
	proof, err := field.ParseProof(b.Proof.A, b.Proof.B, b.Proof.C)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if proof.IsZero() {
		return nil, fmt.Errorf("%w: empty proof", ErrInvalidRequest)
	}
	root, err := parseField("root", b.Root)
	if err != nil {
		return nil, err
	}
	publicAmount, err := parseField("publicAmount", b.PublicAmount)
	if err != nil {
		return nil, err
	}
	extHash, err := parseField("extDataHash", b.ExtDataHash)
	if err != nil {
		return nil, err
	}
	nullifiers, err := parsePair("inputNullifiers", b.InputNullifiers)
	if err != nil {
		return nil, err
	}
	if nullifiers[0] == nullifiers[1] {
		return nil, fmt.Errorf("%w: duplicate input nullifiers", ErrInvalidRequest)
	}
	commitments, err := parsePair("outputCommitments", b.OutputCommitments)
	if err != nil {
		return nil, err
	}
	ext, err := parseExtData(b.ExtData)
	if err != nil {
		return nil, err
	}
	if len(b.EncryptedOutput) != note.BlobSize {
		return nil, fmt.Errorf("%w: encryptedOutput must be %d bytes, got %d", ErrInvalidRequest, note.BlobSize, len(b.EncryptedOutput))
	}
	return &Withdraw{
		Inputs: ProofInputs{
			Proof:        proof,
			Root:         root,
			PublicAmount: publicAmount,
			ExtDataHash:  extHash,
			Nullifiers:   nullifiers,
			Commitments:  commitments,
		},
		Ext:             ext,
		EncryptedOutput: append([]byte(nil), b.EncryptedOutput...),
	}, nil
}

func parseExtData(e ExtDataJSON) (ExtData, error) {
	recipient, err := parseKey("extData.recipient", e.Recipient)
	if err != nil {
		return ExtData{}, err
	}
	feeRecipient, err := parseKey("extData.feeRecipient", e.FeeRecipient)
	if err != nil {
		return ExtData{}, err
	}
	mint, err := parseKey("extData.mint", e.Mint)
	if err != nil {
		return ExtData{}, err
	}
	if e.ExtAmount == "" {
		return ExtData{}, fmt.Errorf("%w: extData.extAmount required", ErrInvalidRequest)
	}
	extAmount, err := strconv.ParseInt(e.ExtAmount, 10, 64)
	if err != nil {
		return ExtData{}, fmt.Errorf("%w: extData.extAmount: %v", ErrInvalidRequest, err)
	}
	// Relayed transactions only ever move funds out of the pool.
	if extAmount >= 0 || extAmount == math.MinInt64 {
		return ExtData{}, fmt.Errorf("%w: extData.extAmount must be negative", ErrInvalidRequest)
	}
	fee, err := parseUint("extData.fee", e.Fee)
	if err != nil {
		return ExtData{}, err
	}
	if fee > uint64(-extAmount) {
		return ExtData{}, fmt.Errorf("%w: fee exceeds withdrawn amount", ErrInvalidRequest)
	}
	return ExtData{
		Recipient:    recipient,
		ExtAmount:    extAmount,
		Fee:          fee,
		FeeRecipient: feeRecipient,
		Mint:         mint,
	}, nil
}

func parseKey(name, s string) (solana.PublicKey, error) {
	if s == "" {
		return solana.PublicKey{}, fmt.Errorf("%w: %s required", ErrInvalidRequest, name)
	}
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, name, err)
	}
	return pk, nil
}

func parseUint(name, s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: %s required", ErrInvalidRequest, name)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, name, err)
	}
	return v, nil
}

func parseField(name, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: %s required", ErrInvalidRequest, name)
	}
	v, err := field.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, name, err)
	}
	return v, nil
}

func parsePair(name string, in []string) ([2][32]byte, error) {
	var out [2][32]byte
	if len(in) != 2 {
		return out, fmt.Errorf("%w: %s must have 2 entries, got %d", ErrInvalidRequest, name, len(in))
	}
	for i, s := range in {
		v, err := parseField(fmt.Sprintf("%s[%d]", name, i), s)
		if err != nil {
			return out, err
		}
		if v.Sign() == 0 {
			return out, fmt.Errorf("%w: %s[%d] is zero", ErrInvalidRequest, name, i)
		}
		out[i] = field.ToBytes32(v)
	}
	return out, nil
}
