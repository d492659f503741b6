// Copyright (c) 2024 The kaspa-stratum-bridge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pow

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// blockHashKey is the Blake2b key used for the keyed header digest,
// matching the node's own hashing domain.
var blockHashKey = []byte("BlockHash")

// ParentLevel is one level of a block's multi-level parent DAG
// reference, an ordered sequence of hex-encoded 32-byte hashes.
type ParentLevel struct {
	ParentHashes []string
}

// BlockHeader mirrors the node's RpcBlockHeader fields needed to
// compute the pre-PoW and final block digests. Hash fields are kept
// hex-encoded, as the upstream RPC surfaces them, and decoded only
// when absorbed into the hasher.
type BlockHeader struct {
	Version              uint16
	Parents              []ParentLevel
	HashMerkleRoot       string
	AcceptedIDMerkleRoot string
	UTXOCommitment       string
	Timestamp            int64
	Bits                 uint32
	Nonce                uint64
	DAAScore             uint64
	BlueScore            uint64
	BlueWork             string
	PruningPoint         string
}

func absorbHexHash(h hash.Hash, hexHash string) error {
	raw, err := hex.DecodeString(hexHash)
	if err != nil {
		return fmt.Errorf("pow: decode hash %q: %w", hexHash, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("pow: hash %q is %d bytes, want 32", hexHash, len(raw))
	}
	_, err = h.Write(raw)
	return err
}

func writeUint16(h hash.Hash, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	_, err := h.Write(buf[:])
	return err
}

func writeUint32(h hash.Hash, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := h.Write(buf[:])
	return err
}

func writeUint64(h hash.Hash, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := h.Write(buf[:])
	return err
}

func writeInt64(h hash.Hash, v int64) error {
	return writeUint64(h, uint64(v))
}

// Digest computes the keyed Blake2b-256 header digest. When prePoW is
// true, timestamp and nonce are absorbed as zero, producing the value
// miners are expected to hash against (bits is absorbed unchanged in
// both modes).
func Digest(header *BlockHeader, prePoW bool) ([32]byte, error) {
	h, err := blake2b.New256(blockHashKey)
	if err != nil {
		return [32]byte{}, fmt.Errorf("pow: init hasher: %w", err)
	}

	if err := writeUint16(h, header.Version); err != nil {
		return [32]byte{}, err
	}
	if err := writeUint64(h, uint64(len(header.Parents))); err != nil {
		return [32]byte{}, err
	}
	for _, level := range header.Parents {
		if err := writeUint64(h, uint64(len(level.ParentHashes))); err != nil {
			return [32]byte{}, err
		}
		for _, hash := range level.ParentHashes {
			if err := absorbHexHash(h, hash); err != nil {
				return [32]byte{}, err
			}
		}
	}

	for _, hash := range []string{header.HashMerkleRoot, header.AcceptedIDMerkleRoot, header.UTXOCommitment} {
		if err := absorbHexHash(h, hash); err != nil {
			return [32]byte{}, err
		}
	}

	timestamp := header.Timestamp
	nonce := header.Nonce
	if prePoW {
		timestamp = 0
		nonce = 0
	}
	if err := writeInt64(h, timestamp); err != nil {
		return [32]byte{}, err
	}
	if err := writeUint32(h, header.Bits); err != nil {
		return [32]byte{}, err
	}
	if err := writeUint64(h, nonce); err != nil {
		return [32]byte{}, err
	}

	if err := writeUint64(h, header.DAAScore); err != nil {
		return [32]byte{}, err
	}
	if err := writeUint64(h, header.BlueScore); err != nil {
		return [32]byte{}, err
	}

	blueWorkHex := header.BlueWork
	if len(blueWorkHex)%2 != 0 {
		blueWorkHex = "0" + blueWorkHex
	}
	blueWork, err := hex.DecodeString(blueWorkHex)
	if err != nil {
		return [32]byte{}, fmt.Errorf("pow: decode blue_work %q: %w", header.BlueWork, err)
	}
	if err := writeUint64(h, uint64(len(blueWork))); err != nil {
		return [32]byte{}, err
	}
	if _, err := h.Write(blueWork); err != nil {
		return [32]byte{}, err
	}

	if err := absorbHexHash(h, header.PruningPoint); err != nil {
		return [32]byte{}, err
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// PrePow computes the pre-PoW digest (timestamp and nonce zeroed) and
// reinterprets the 32 resulting bytes as four little-endian u64 words
// — the value published to miners via mining.notify.
func PrePow(header *BlockHeader) ([4]uint64, error) {
	digest, err := Digest(header, true)
	if err != nil {
		return [4]uint64{}, err
	}
	var words [4]uint64
	for i := 0; i < 4; i++ {
		words[i] = binary.LittleEndian.Uint64(digest[i*8 : i*8+8])
	}
	return words, nil
}

// BlockHash computes the final block hash (timestamp and nonce as
// submitted), used once a miner's nonce has been injected.
func BlockHash(header *BlockHeader) ([32]byte, error) {
	return Digest(header, false)
}
