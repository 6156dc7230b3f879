package gcode

import (
	"bytes"
	"io"
)

type Reader interface {
	Read() (Block, error)
}

type BlocksReader struct {
	Blocks []Block
	n      int
}

func (b *BlocksReader) Read() (Block, error) {
	if b.n == len(b.Blocks) {
		return nil, io.EOF
	}

	b.n++
	return b.Blocks[b.n-1], nil
}

// Buffer adapts a block Reader into a line-oriented io.Reader, one
// block per `\n`-terminated line.
type Buffer struct {
	gr  Reader
	buf bytes.Buffer
	err error
}

var _ io.Reader = &Buffer{}

func NewBuffer(r Reader) *Buffer {
	return &Buffer{gr: r}
}
func (b *Buffer) Buffered() []byte { return b.buf.Bytes() }

func (b *Buffer) Read(p []byte) (n int, err error) {
	if b.err != nil && b.err != io.EOF {
		return 0, b.err
	}

	var block Block
	for b.err == nil && b.buf.Len() < len(p) {
		block, b.err = b.gr.Read()
		if b.err != nil {
			break
		}
		b.buf.WriteString(block.String() + "\n")
	}
	if b.err != nil && b.err != io.EOF && b.buf.Len() == 0 {
		return 0, b.err
	}

	if b.buf.Len() == 0 {
		return 0, io.EOF
	}

	return b.buf.Read(p)
}
