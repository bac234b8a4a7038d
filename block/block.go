// Package block partitions a file into the ordered, addressable blocks of a block blob
// and builds the block list that commits them.
package block

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
)

const (
	// IDPrefix is prepended to the zero padded block index.
	IDPrefix = "block-"
	// minIDWidth keeps ids human readable for small files: block-000000.
	minIDWidth = 6
)

// ErrInvalidBlockSize is returned when the requested block size is zero or negative.
var ErrInvalidBlockSize = errors.New("block size must be greater than zero")

// Block is one contiguous byte range of the source file.
type Block struct {
	Index int
	// ID is the human readable id, unique and stable within a session.
	ID string
	// EncodedID is the transport ready form of ID. Every EncodedID of a layout has the same length.
	EncodedID string
	Start     int64
	End       int64
}

// Size returns the number of bytes in the block.
func (b Block) Size() int64 {
	return b.End - b.Start
}

// Layout describes how a file of FileSize bytes is split.
type Layout struct {
	FileSize       int64
	BlockSize      int64
	NumberOfBlocks int
}

// Plan computes the layout for a file. The effective block size is clamped to the file size,
// so a file smaller than blockSize is a single block, and a zero-byte file is a single empty block.
func Plan(fileSize, blockSize int64) (Layout, error) {
	if blockSize <= 0 {
		return Layout{}, ErrInvalidBlockSize
	}
	if fileSize < 0 {
		return Layout{}, fmt.Errorf("invalid file size: %d", fileSize)
	}

	effective := blockSize
	if fileSize < blockSize {
		effective = fileSize
	}

	numberOfBlocks := 1
	if effective > 0 {
		numberOfBlocks = int(fileSize / effective)
		if fileSize%effective != 0 {
			numberOfBlocks++
		}
	}

	return Layout{
		FileSize:       fileSize,
		BlockSize:      effective,
		NumberOfBlocks: numberOfBlocks,
	}, nil
}

// Blocks builds the ordered block sequence of the layout.
func (l Layout) Blocks() []Block {
	width := IDWidth(l.NumberOfBlocks)
	blocks := make([]Block, 0, l.NumberOfBlocks)

	for i := 0; i < l.NumberOfBlocks; i++ {
		start := int64(i) * l.BlockSize
		end := start + l.BlockSize
		if end > l.FileSize {
			end = l.FileSize
		}

		id := FormatID(i, width)
		blocks = append(blocks, Block{
			Index:     i,
			ID:        id,
			EncodedID: EncodeID(id),
			Start:     start,
			End:       end,
		})
	}

	return blocks
}

// IDWidth returns the zero padding width needed so that all ids of a layout have the same length.
func IDWidth(numberOfBlocks int) int {
	width := len(strconv.Itoa(numberOfBlocks - 1))
	if width < minIDWidth {
		width = minIDWidth
	}
	return width
}

// FormatID returns the block id for index padded to width digits.
func FormatID(index, width int) string {
	return fmt.Sprintf("%s%0*d", IDPrefix, width, index)
}

// EncodeID encodes a block id for use in block URIs and the block list.
func EncodeID(id string) string {
	return base64.StdEncoding.EncodeToString([]byte(id))
}
