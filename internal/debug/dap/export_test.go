package dap

// buffered returns the number of bytes waiting for the rest of a frame.
func (f *Framer) buffered() int {
	return len(f.buf)
}
