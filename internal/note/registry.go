package note

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var ErrUnknownMint = errors.New("note: unknown mint tag")

// MintTag is the leading 4 bytes of a mint address, as stored in packed notes.
type MintTag [4]byte

func TagOf(mint solana.PublicKey) MintTag {
	var t MintTag
	copy(t[:], mint[:4])
	return t
}

type Asset struct {
	Symbol   string
	Mint     solana.PublicKey
	Decimals uint8
}

// Native reports whether the asset is the chain's native coin (wrapped mint).
func (a Asset) Native() bool { return a.Mint.Equals(solana.SolMint) }

// Registry resolves mint tags back to full asset addresses.
type Registry struct {
	byTag map[MintTag]Asset
}

var (
	USDCMint = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	USDTMint = solana.MustPublicKeyFromBase58("Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB")
)

// DefaultAssets is the mainnet set the pool supports.
func DefaultAssets() []Asset {
	return []Asset{
		{Symbol: "SOL", Mint: solana.SolMint, Decimals: 9},
		{Symbol: "USDC", Mint: USDCMint, Decimals: 6},
		{Symbol: "USDT", Mint: USDTMint, Decimals: 6},
	}
}

// NewRegistry fails when two assets share a tag.
func NewRegistry(assets ...Asset) (*Registry, error) {
	r := &Registry{byTag: make(map[MintTag]Asset, len(assets))}
	for _, a := range assets {
		tag := TagOf(a.Mint)
		if prev, ok := r.byTag[tag]; ok && !prev.Mint.Equals(a.Mint) {
			return nil, fmt.Errorf("note: mint tag collision between %s and %s", prev.Mint, a.Mint)
		}
		r.byTag[tag] = a
	}
	return r, nil
}

// DefaultRegistry never fails: the default set has distinct tags.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultAssets()...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Resolve(tag MintTag) (Asset, error) {
	a, ok := r.byTag[tag]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %x", ErrUnknownMint, tag[:])
	}
	return a, nil
}

// BySymbol looks an asset up by ticker.
func (r *Registry) BySymbol(symbol string) (Asset, bool) {
	for _, a := range r.byTag {
		if a.Symbol == symbol {
			return a, true
		}
	}
	return Asset{}, false
}
