package note

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

const (
	// KeyMaterialSize is the prefix of the wallet signature used as key.
	KeyMaterialSize = 31

	ivSize     = 16
	tagSize    = 16
	encKeySize = 16

	// PackedNoteSize is amount:8 ‖ blinding:4 ‖ index:4 ‖ mintTag:4.
	PackedNoteSize = 20
	// NotesPerBlob is fixed by the two-in two-out transaction shape.
	NotesPerBlob = 2
	// BlobSize is the length of a sealed pair of notes.
	BlobSize = ivSize + tagSize + NotesPerBlob*PackedNoteSize
)

var (
	ErrAuthFailed = errors.New("note: authentication failed")
	ErrMalformed  = errors.New("note: malformed encrypted output")
)

// Cipher is the per-wallet symmetric codec: AES-128-CTR with an HMAC-SHA256
// tag over iv‖ciphertext, truncated to 16 bytes. Output is iv‖tag‖ciphertext.
type Cipher struct {
	encKey [encKeySize]byte
	macKey []byte
}

// NewCipher keys the codec from signature[0:31].
func NewCipher(signature []byte) (*Cipher, error) {
	if len(signature) < KeyMaterialSize {
		return nil, fmt.Errorf("%w: signature shorter than %d bytes", ErrInvalidKey, KeyMaterialSize)
	}
	c := &Cipher{macKey: make([]byte, KeyMaterialSize-encKeySize)}
	copy(c.encKey[:], signature[:encKeySize])
	copy(c.macKey, signature[encKeySize:KeyMaterialSize])
	return c, nil
}

func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, ivSize+tagSize+len(plaintext))
	iv := out[:ivSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("note: iv: %w", err)
	}
	block, err := aes.NewCipher(c.encKey[:])
	if err != nil {
		return nil, err
	}
	ct := out[ivSize+tagSize:]
	cipher.NewCTR(block, iv).XORKeyStream(ct, plaintext)
	copy(out[ivSize:ivSize+tagSize], c.tag(iv, ct))
	return out, nil
}

// Decrypt verifies the tag before touching the ciphertext.
func (c *Cipher) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < ivSize+tagSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(blob))
	}
	iv := blob[:ivSize]
	tag := blob[ivSize : ivSize+tagSize]
	ct := blob[ivSize+tagSize:]
	if !hmac.Equal(tag, c.tag(iv, ct)) {
		return nil, ErrAuthFailed
	}
	block, err := aes.NewCipher(c.encKey[:])
	if err != nil {
		return nil, err
	}
	pt := make([]byte, len(ct))
	cipher.NewCTR(block, iv).XORKeyStream(pt, ct)
	return pt, nil
}

func (c *Cipher) tag(iv, ct []byte) []byte {
	m := hmac.New(sha256.New, c.macKey)
	m.Write(iv)
	m.Write(ct)
	return m.Sum(nil)[:tagSize]
}

// EncryptNotes packs the two outputs of a transaction and encrypts them.
func (c *Cipher) EncryptNotes(notes [NotesPerBlob]*Note) ([]byte, error) {
	buf := make([]byte, 0, NotesPerBlob*PackedNoteSize)
	for i, n := range notes {
		rec, err := pack(n)
		if err != nil {
			return nil, fmt.Errorf("note %d: %w", i, err)
		}
		buf = append(buf, rec[:]...)
	}
	return c.Encrypt(buf)
}

// DecryptNotes fails closed: a wrong key yields ErrAuthFailed, any plaintext
// other than exactly two packed notes yields ErrMalformed.
func (c *Cipher) DecryptNotes(blob []byte, owner *Keypair, reg *Registry) ([NotesPerBlob]*Note, error) {
	var out [NotesPerBlob]*Note
	pt, err := c.Decrypt(blob)
	if err != nil {
		return out, err
	}
	if len(pt) != NotesPerBlob*PackedNoteSize {
		return out, fmt.Errorf("%w: plaintext %d bytes", ErrMalformed, len(pt))
	}
	for i := range out {
		var rec [PackedNoteSize]byte
		copy(rec[:], pt[i*PackedNoteSize:])
		n, err := unpack(rec, owner, reg)
		if err != nil {
			return [NotesPerBlob]*Note{}, err
		}
		out[i] = n
	}
	return out, nil
}

var maxBlinding = new(big.Int).SetUint64(1<<32 - 1)

func pack(n *Note) ([PackedNoteSize]byte, error) {
	var rec [PackedNoteSize]byte
	if n == nil || n.Blinding == nil {
		return rec, fmt.Errorf("%w: nil note", ErrInvalidNote)
	}
	if n.Blinding.Sign() < 0 || n.Blinding.Cmp(maxBlinding) > 0 {
		return rec, fmt.Errorf("%w: blinding exceeds 32 bits", ErrInvalidNote)
	}
	if n.Index > 1<<32-1 {
		return rec, fmt.Errorf("%w: index exceeds 32 bits", ErrInvalidNote)
	}
	binary.LittleEndian.PutUint64(rec[0:8], n.Amount)
	binary.LittleEndian.PutUint32(rec[8:12], uint32(n.Blinding.Uint64()))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(n.Index))
	tag := TagOf(n.Mint)
	copy(rec[16:20], tag[:])
	return rec, nil
}

func unpack(rec [PackedNoteSize]byte, owner *Keypair, reg *Registry) (*Note, error) {
	var tag MintTag
	copy(tag[:], rec[16:20])
	asset, err := reg.Resolve(tag)
	if err != nil {
		return nil, err
	}
	return &Note{
		Amount:   binary.LittleEndian.Uint64(rec[0:8]),
		Blinding: new(big.Int).SetUint64(uint64(binary.LittleEndian.Uint32(rec[8:12]))),
		Index:    uint64(binary.LittleEndian.Uint32(rec[12:16])),
		Mint:     asset.Mint,
		Owner:    owner,
	}, nil
}
