package store

import "errors"

var (
	// ErrWorldExists is returned when opening with ForceNew and the target
	// directory already holds a world.
	ErrWorldExists = errors.New("store: world already exists")

	// ErrSeedMismatch is returned when reopening a world whose recorded seed
	// differs from the requested one. The seed is immutable.
	ErrSeedMismatch = errors.New("store: seed mismatch")

	// ErrInvalidMetadata covers a corrupt or schema-invalid world.meta.
	ErrInvalidMetadata = errors.New("store: invalid world metadata")

	// ErrInvalidChunkFile covers structural corruption in a region file or a
	// stored payload header (bad magic/version/coordinates/sizes).
	ErrInvalidChunkFile = errors.New("store: invalid chunk file")

	// ErrInvalidCompressedChunk covers a malformed compressed block stream.
	ErrInvalidCompressedChunk = errors.New("store: invalid compressed chunk")

	// ErrUnknownCompression is a payload tagged with a compression mode this
	// build does not understand.
	ErrUnknownCompression = errors.New("store: unknown compression tag")

	// ErrCoordMismatch means the payload header records a different chunk
	// coordinate than the one requested — the file is internally corrupt.
	ErrCoordMismatch = errors.New("store: stored coordinate mismatch")
)
