// Copyright (c) 2024 The kaspa-stratum-bridge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pow

// CompactToTarget decodes a 32-bit "compact target" (the node's `bits`
// field) into a 256-bit target, following the same exponent/mantissa
// scheme as original_source/src/pow.rs. A mantissa with its sign bit
// set (> 0x7FFFFF) is rejected as a negative target and yields zero.
func CompactToTarget(bitsField uint32) U256 {
	unshiftedExp := bitsField >> 24

	var mantissa, exponent uint32
	if unshiftedExp <= 3 {
		mantissa = (bitsField & 0xFFFFFF) >> (8 * (3 - unshiftedExp))
		exponent = 0
	} else {
		mantissa = bitsField & 0xFFFFFF
		exponent = 8 * (unshiftedExp - 3)
	}

	if mantissa > 0x7FFFFF {
		return ZeroU256
	}
	return FromU64(uint64(mantissa)).Lsh(int(exponent))
}

// Difficulty converts a target into the single-u64 difficulty scalar
// miners are given, computed as (2^255) / (target+1). The numerator
// matches original_source/src/pow.rs's `U256::one() << 255` rather
// than the all-ones alternative spec.md allows, for exact parity with
// the source this bridge was distilled from.
func Difficulty(target U256) uint64 {
	target.Increment()
	numerator := OneU256.Lsh(255)
	return numerator.Div(target).LowU64()
}
