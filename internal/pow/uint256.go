// Copyright (c) 2024 The kaspa-stratum-bridge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package pow implements the fixed-width 256-bit unsigned integer
// arithmetic and header hashing the bridge needs to turn a node's
// compact difficulty target into the pre-PoW value miners hash
// against.
package pow

import "math/bits"

// U256 is a little-endian, fixed-width 256-bit unsigned integer backed
// by four 64-bit words. Word 0 holds the least significant bits.
type U256 [4]uint64

// ZeroU256 is the additive identity.
var ZeroU256 = U256{}

// OneU256 is the multiplicative identity.
var OneU256 = U256{1, 0, 0, 0}

// FromU64 builds a U256 from a 64-bit unsigned integer.
func FromU64(v uint64) U256 {
	return U256{v, 0, 0, 0}
}

// LowU32 returns the low 32 bits.
func (u U256) LowU32() uint32 {
	return uint32(u[0])
}

// LowU64 returns the low 64 bits.
func (u U256) LowU64() uint64 {
	return u[0]
}

// Bits returns the position of the highest set bit plus one, i.e. the
// number of bits needed to represent u. Returns 0 for the zero value.
func (u U256) Bits() int {
	for i := 3; i > 0; i-- {
		if u[i] > 0 {
			return 64*i + (64 - bits.LeadingZeros64(u[i]))
		}
	}
	if u[0] == 0 {
		return 0
	}
	return 64 - bits.LeadingZeros64(u[0])
}

// Cmp compares u and v by numeric significance, returning -1, 0, or 1.
func (u U256) Cmp(v U256) int {
	for i := 3; i >= 0; i-- {
		if u[i] < v[i] {
			return -1
		}
		if u[i] > v[i] {
			return 1
		}
	}
	return 0
}

// Add returns u+v with wraparound on overflow.
func (u U256) Add(v U256) U256 {
	var ret U256
	var carry uint64
	for i := 0; i < 4; i++ {
		sum, c := bits.Add64(u[i], v[i], carry)
		ret[i] = sum
		carry = c
	}
	return ret
}

// Sub returns u-v with wraparound on underflow, implemented as
// u + (^v + 1) to match the two's complement identity the source
// uses rather than a dedicated borrow chain.
func (u U256) Sub(v U256) U256 {
	return u.Add(v.Not().Add(OneU256))
}

// mulU32 multiplies u by a 32-bit scalar, word by word with carry
// propagation into the next word.
func (u U256) mulU32(other uint32) U256 {
	var ret, carry U256
	for i := 0; i < 4; i++ {
		notLastWord := i < 3
		upper := uint64(other) * (u[i] >> 32)
		lower := uint64(other) * (u[i] & 0xFFFFFFFF)
		if notLastWord {
			carry[i+1] += upper >> 32
		}
		sum, overflow := bits.Add64(lower, upper<<32, 0)
		ret[i] = sum
		if overflow != 0 && notLastWord {
			carry[i+1]++
		}
	}
	return ret.Add(carry)
}

// Mul returns u*v, built out of 32-bit word multiplications the same
// way the source's generic construct_uint! macro does.
func (u U256) Mul(v U256) U256 {
	ret := ZeroU256
	for i := 0; i < 8; i++ {
		toMul := v.Rsh(32 * i).LowU32()
		ret = ret.Add(u.mulU32(toMul).Lsh(32 * i))
	}
	return ret
}

// divRem performs bitwise long division, returning (quotient,
// remainder). Division by zero is a programmer error and panics
// rather than returning a sentinel, matching the source's own assert.
func (u U256) divRem(v U256) (U256, U256) {
	vBits := v.Bits()
	if vBits == 0 {
		panic("pow: division by zero")
	}

	uBits := u.Bits()
	if uBits < vBits {
		return ZeroU256, u
	}

	var quot U256
	remainder := u
	shift := uBits - vBits
	shifted := v.Lsh(shift)
	for {
		if remainder.Cmp(shifted) >= 0 {
			quot[shift/64] |= 1 << (uint(shift) % 64)
			remainder = remainder.Sub(shifted)
		}
		shifted = shifted.Rsh(1)
		if shift == 0 {
			break
		}
		shift--
	}
	return quot, remainder
}

// Div returns u/v. Panics on division by zero (see divRem).
func (u U256) Div(v U256) U256 {
	q, _ := u.divRem(v)
	return q
}

// Rem returns u%v. Panics on division by zero (see divRem).
func (u U256) Rem(v U256) U256 {
	_, r := u.divRem(v)
	return r
}

// And returns the bitwise AND of u and v.
func (u U256) And(v U256) U256 {
	var ret U256
	for i := range ret {
		ret[i] = u[i] & v[i]
	}
	return ret
}

// Or returns the bitwise OR of u and v.
func (u U256) Or(v U256) U256 {
	var ret U256
	for i := range ret {
		ret[i] = u[i] | v[i]
	}
	return ret
}

// Xor returns the bitwise XOR of u and v.
func (u U256) Xor(v U256) U256 {
	var ret U256
	for i := range ret {
		ret[i] = u[i] ^ v[i]
	}
	return ret
}

// Not returns the bitwise complement of u.
func (u U256) Not() U256 {
	var ret U256
	for i := range ret {
		ret[i] = ^u[i]
	}
	return ret
}

// Lsh returns u shifted left by shift bits.
func (u U256) Lsh(shift int) U256 {
	var ret U256
	wordShift := shift / 64
	bitShift := uint(shift % 64)
	for i := 0; i < 4; i++ {
		if i+wordShift < 4 {
			ret[i+wordShift] += u[i] << bitShift
		}
		if bitShift > 0 && i+wordShift+1 < 4 {
			ret[i+wordShift+1] += u[i] >> (64 - bitShift)
		}
	}
	return ret
}

// Rsh returns u shifted right by shift bits.
func (u U256) Rsh(shift int) U256 {
	var ret U256
	wordShift := shift / 64
	bitShift := uint(shift % 64)
	for i := wordShift; i < 4; i++ {
		ret[i-wordShift] += u[i] >> bitShift
		if bitShift > 0 && i < 3 {
			ret[i-wordShift] += u[i+1] << (64 - bitShift)
		}
	}
	return ret
}

// Increment adds one to u in place, wrapping around on overflow.
func (u *U256) Increment() {
	for i := 0; i < 4; i++ {
		u[i]++
		if u[i] != 0 {
			break
		}
	}
}

// AsU64Words returns the underlying little-endian word array.
func (u U256) AsU64Words() [4]uint64 {
	return [4]uint64(u)
}
