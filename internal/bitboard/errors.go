package bitboard

import "errors"

// Sentinel errors classified by callers with errors.Is, matching the
// fs package's convention of comparing against package-level values
// rather than type-asserting custom error structs.
var (
	// ErrOutOfRange is returned when a bit or byte index falls outside
	// [0, TotalBits) or [0, TotalBytes).
	ErrOutOfRange = errors.New("bitboard: index out of range")

	// ErrRangeInverted is returned when a requested range has start > end.
	ErrRangeInverted = errors.New("bitboard: range start after end")

	// ErrRangeTooLarge is returned when a requested range exceeds MaxRangeBits.
	ErrRangeTooLarge = errors.New("bitboard: range exceeds maximum size")

	// ErrClosed is returned by operations attempted after Close has run.
	ErrClosed = errors.New("bitboard: bitmap closed")
)
