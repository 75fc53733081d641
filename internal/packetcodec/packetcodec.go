// Package packetcodec implements the signed packet codec: construction,
// wire serialization, signature verification and the per-block session-key
// encryption used on the backup stream.
//
// The wire form is a versioned JSON object. The signature is a detached
// RSA signature over the SHA-256 of the canonical signed-string: every
// field except the signature itself, joined with a fixed delimiter.
package packetcodec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hivekeep/hivekeep/internal/crypt"
	"github.com/hivekeep/hivekeep/internal/identity"
	"github.com/hivekeep/hivekeep/pkg/model"
)

const wireVersion = 1

var (
	// ErrInvalidSignature is returned when the packet hash does not match
	// its signature.
	ErrInvalidSignature = errors.New("packetcodec: invalid signature")
	// ErrUnknownCreator is returned when the identity resolver has no key
	// for the packet creator.
	ErrUnknownCreator = errors.New("packetcodec: unknown creator")
	// ErrUndecryptable is returned on any cryptographic failure while
	// opening a block.
	ErrUndecryptable = errors.New("packetcodec: undecryptable block")
)

// Codec signs outgoing packets with the local identity key and verifies
// incoming ones against the resolver.
type Codec struct {
	localID  string
	key      *crypt.Key
	resolver identity.Resolver
}

// New returns a codec for the node identified by localID.
func New(localID string, key *crypt.Key, resolver identity.Resolver) *Codec {
	return &Codec{localID: localID, key: key, resolver: resolver}
}

// LocalID returns the global id the codec signs as.
func (c *Codec) LocalID() string { return c.localID }

// Make builds and signs a packet. The creator is always the local node.
func (c *Codec) Make(cmd model.Command, ownerID, packetID string, payload []byte, remoteID string) (*model.Packet, error) {
	p := &model.Packet{
		Version:   wireVersion,
		Command:   cmd,
		OwnerID:   ownerID,
		CreatorID: c.localID,
		PacketID:  packetID,
		Payload:   payload,
		RemoteID:  remoteID,
	}
	sig, err := c.key.Sign(signedString(p))
	if err != nil {
		return nil, fmt.Errorf("packetcodec: make: %w", err)
	}
	p.Signature = sig
	return p, nil
}

// signedString is the canonical byte form covered by the signature.
func signedString(p *model.Packet) []byte {
	fields := []string{
		strconv.Itoa(p.Version),
		string(p.Command),
		p.OwnerID,
		p.CreatorID,
		p.PacketID,
		base64.StdEncoding.EncodeToString(p.Payload),
		p.RemoteID,
	}
	return []byte(strings.Join(fields, "\n"))
}

// Serialize encodes a packet for the wire.
func Serialize(p *model.Packet) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("packetcodec: serialize: %w", err)
	}
	return data, nil
}

// Parse decodes a packet from the wire without verifying it.
func Parse(data []byte) (*model.Packet, error) {
	var p model.Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("packetcodec: parse: %w", err)
	}
	if p.Version != wireVersion {
		return nil, fmt.Errorf("packetcodec: unsupported wire version %d", p.Version)
	}
	return &p, nil
}

// Verify checks the packet signature against the creator's current public
// key.
func (c *Codec) Verify(p *model.Packet) error {
	id, err := c.resolver.Resolve(p.CreatorID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownCreator, p.CreatorID)
	}
	if !id.PublicKey.Verify(signedString(p), p.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// EncryptBlock seals one block of the backup stream: a fresh AES-256
// session key encrypts the padded plaintext, the session key travels
// wrapped under the recipient's public key, and the whole block is signed.
func (c *Codec) EncryptBlock(plaintext []byte, recipient *crypt.Key, backupID string, blockNumber int, lastBlock bool) (*model.Block, error) {
	sessionKey, err := crypt.NewSessionKey()
	if err != nil {
		return nil, fmt.Errorf("packetcodec: encrypt block: %w", err)
	}
	padded := pad(plaintext)
	encrypted, err := crypt.EncryptWithSessionKey(padded, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("packetcodec: encrypt block: %w", err)
	}
	wrapped, err := recipient.WrapSessionKey(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("packetcodec: encrypt block: %w", err)
	}
	b := &model.Block{
		Version:        wireVersion,
		CreatorID:      c.localID,
		BackupID:       backupID,
		BlockNumber:    blockNumber,
		SessionKey:     wrapped,
		SessionKeyType: model.SessionKeyTypeAES256,
		LastBlock:      lastBlock,
		Length:         len(plaintext),
		EncryptedData:  encrypted,
	}
	sig, err := c.key.Sign(blockSignedString(b))
	if err != nil {
		return nil, fmt.Errorf("packetcodec: encrypt block: %w", err)
	}
	b.Signature = sig
	return b, nil
}

// DecryptBlock opens a block with the holder's private key and returns the
// original plaintext bytes.
func (c *Codec) DecryptBlock(b *model.Block, myKey *crypt.Key) ([]byte, error) {
	if b.SessionKeyType != model.SessionKeyTypeAES256 {
		return nil, fmt.Errorf("%w: session key type %q", ErrUndecryptable, b.SessionKeyType)
	}
	sessionKey, err := myKey.UnwrapSessionKey(b.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	padded, err := crypt.DecryptWithSessionKey(b.EncryptedData, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	if b.Length < 0 || b.Length > len(padded) {
		return nil, fmt.Errorf("%w: bad length %d", ErrUndecryptable, b.Length)
	}
	return padded[:b.Length], nil
}

// VerifyBlock checks the block signature against the creator's key.
func (c *Codec) VerifyBlock(b *model.Block) error {
	id, err := c.resolver.Resolve(b.CreatorID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownCreator, b.CreatorID)
	}
	if !id.PublicKey.Verify(blockSignedString(b), b.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

func blockSignedString(b *model.Block) []byte {
	fields := []string{
		strconv.Itoa(b.Version),
		b.CreatorID,
		b.BackupID,
		strconv.Itoa(b.BlockNumber),
		base64.StdEncoding.EncodeToString(b.SessionKey),
		b.SessionKeyType,
		strconv.FormatBool(b.LastBlock),
		strconv.Itoa(b.Length),
		base64.StdEncoding.EncodeToString(b.EncryptedData),
	}
	return []byte(strings.Join(fields, "\n"))
}

// SerializeBlock encodes a block for erasure coding.
func SerializeBlock(b *model.Block) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("packetcodec: serialize block: %w", err)
	}
	return data, nil
}

// ParseBlock decodes a block reconstructed by the erasure coder. The coder
// zero-pads the tail of the last data piece, so trailing bytes after the
// JSON value are ignored.
func ParseBlock(data []byte) (*model.Block, error) {
	var b model.Block
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("packetcodec: parse block: %w", err)
	}
	return &b, nil
}

const padBlock = 16

// pad appends zero bytes up to a multiple of the cipher block size; the
// original length travels in the block header.
func pad(data []byte) []byte {
	rem := len(data) % padBlock
	if rem == 0 {
		return data
	}
	return append(append([]byte{}, data...), make([]byte, padBlock-rem)...)
}
