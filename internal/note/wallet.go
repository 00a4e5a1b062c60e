package note

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// KeyDerivationMessage is what a wallet signs to unlock its notes.
const KeyDerivationMessage = "shielded-pool: unlock notes v1"

// Signer is the wallet capability the note layer needs.
type Signer interface {
	Sign(message []byte) ([]byte, error)
}

// KeypairSigner signs with a local ed25519 keypair.
type KeypairSigner struct {
	Key solana.PrivateKey
}

func (s KeypairSigner) Sign(message []byte) ([]byte, error) {
	sig, err := s.Key.Sign(message)
	if err != nil {
		return nil, err
	}
	return sig[:], nil
}

// Wallet bundles the note keypair and the output cipher, both derived from a
// single signature.
type Wallet struct {
	Keypair  *Keypair
	Cipher   *Cipher
	Registry *Registry
}

// OpenWallet asks signer to sign KeyDerivationMessage and derives the wallet.
func OpenWallet(signer Signer, reg *Registry) (*Wallet, error) {
	if signer == nil {
		return nil, errors.New("note: nil signer")
	}
	sig, err := signer.Sign([]byte(KeyDerivationMessage))
	if err != nil {
		return nil, fmt.Errorf("note: sign key derivation message: %w", err)
	}
	return WalletFromSignature(sig, reg)
}

func WalletFromSignature(sig []byte, reg *Registry) (*Wallet, error) {
	if reg == nil {
		reg = DefaultRegistry()
	}
	kp, err := DeriveKeypair(sig)
	if err != nil {
		return nil, err
	}
	c, err := NewCipher(sig)
	if err != nil {
		return nil, err
	}
	return &Wallet{Keypair: kp, Cipher: c, Registry: reg}, nil
}

// Seal encrypts the two outputs of a transaction for this wallet.
func (w *Wallet) Seal(outputs [NotesPerBlob]*Note) ([]byte, error) {
	return w.Cipher.EncryptNotes(outputs)
}

// Open decrypts a blob addressed to this wallet.
func (w *Wallet) Open(blob []byte) ([NotesPerBlob]*Note, error) {
	return w.Cipher.DecryptNotes(blob, w.Keypair, w.Registry)
}

// ScanError reports a blob that authenticated under this wallet but could
// not be decoded, e.g. a note in an asset missing from the registry.
type ScanError struct {
	// Blob is the position of the blob in the scanned slice.
	Blob int
	Err  error
}

func (e *ScanError) Error() string { return fmt.Sprintf("note: blob %d: %v", e.Blob, e.Err) }
func (e *ScanError) Unwrap() error { return e.Err }

// Scan tries every blob and keeps the non-filler notes that decrypt under
// this wallet. Blobs failing authentication belong to someone else and are
// skipped. Blobs that authenticate but do not decode are the wallet's own and
// are reported as *ScanError values joined into err, alongside the notes
// that did decode. Duplicate notes (same index) are reported once.
func (w *Wallet) Scan(blobs [][]byte) ([]*Note, error) {
	var (
		out  []*Note
		errs []error
	)
	seen := make(map[uint64]struct{})
	for i, b := range blobs {
		notes, err := w.Open(b)
		switch {
		case err == nil:
		case errors.Is(err, ErrAuthFailed) || len(b) < ivSize+tagSize:
			continue
		default:
			errs = append(errs, &ScanError{Blob: i, Err: err})
			continue
		}
		for _, n := range notes {
			if n.IsZero() {
				continue
			}
			if _, ok := seen[n.Index]; ok {
				continue
			}
			seen[n.Index] = struct{}{}
			out = append(out, n)
		}
	}
	return out, errors.Join(errs...)
}
