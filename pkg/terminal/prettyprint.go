package terminal

import (
	"encoding/binary"
	"fmt"
	"strings"
	"text/tabwriter"
)

// valueFormat returns how many values of size bytes fit on a row and the
// verb that prints one of them.
func valueFormat(format byte, size int) (perRow int, verb string, ok bool) {
	switch format {
	case 'x':
		return 8, fmt.Sprintf("0x%%0%dx", size*2), true
	case 'd':
		return 8, fmt.Sprintf("%%0%dd", size*3), true
	case 'o':
		// leading zero marks the value as octal
		return 8, fmt.Sprintf("0%%0%do", size*3), true
	case 'b':
		return 4, fmt.Sprintf("%%0%db", size*8), true
	}
	return 0, "", false
}

// prettyExamineMemory formats data, read at address, as rows of values
// of size bytes each. Every row starts with its address.
func prettyExamineMemory(address uint64, data []byte, order binary.ByteOrder, format byte, size int) string {
	perRow, verb, ok := valueFormat(format, size)
	if !ok {
		return fmt.Sprintf("not supported format %q\n", string(format))
	}
	addrWidth := len(fmt.Sprintf("%x", address+uint64(len(data))))
	rowLen := perRow * size

	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 3, ' ', 0)
	for off := 0; off < len(data); off += rowLen {
		fmt.Fprintf(w, "0x%0*x:\t", addrWidth, address+uint64(off))
		row := data[off:min(off+rowLen, len(data))]
		for len(row) >= size {
			fmt.Fprintf(w, verb+"\t", decodeValue(row[:size], order))
			row = row[size:]
		}
		fmt.Fprintln(w)
	}
	w.Flush()
	return sb.String()
}

// decodeValue reads a value of up to 8 bytes in the given order.
func decodeValue(buf []byte, order binary.ByteOrder) uint64 {
	var n uint64
	for i := range buf {
		b := buf[i]
		if order != binary.ByteOrder(binary.BigEndian) {
			b = buf[len(buf)-1-i]
		}
		n = n<<8 | uint64(b)
	}
	return n
}
