package terminal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
)

const defaultDisassembleLen = 32

var errDisasmUsage = errors.New("wrong number of arguments: disassemble [-mode arm|arm64] <address> [<length>]")

type asmInstruction struct {
	addr  uint64
	bytes []byte
	text  string
}

// disassemble decodes the instructions in mem, read at address. Undecodable
// words are reported as such and skipped.
func disassemble(mode string, address uint64, mem []byte, order binary.ByteOrder) ([]asmInstruction, error) {
	var r []asmInstruction
	for len(mem) >= 4 {
		var (
			text string
			size = 4
		)
		switch mode {
		case "arm":
			inst, err := armasm.Decode(armWord(mem, order), armasm.ModeARM)
			if err != nil {
				text = "?"
			} else {
				text = armasm.GNUSyntax(inst)
				size = inst.Len
			}
		case "arm64":
			// A64 instructions are always little endian.
			inst, err := arm64asm.Decode(mem)
			if err != nil {
				text = "?"
			} else {
				text = arm64asm.GNUSyntax(inst)
			}
		default:
			return nil, fmt.Errorf("unknown disassembly mode %q", mode)
		}
		r = append(r, asmInstruction{addr: address, bytes: mem[:size], text: text})
		mem = mem[size:]
		address += uint64(size)
	}
	return r, nil
}

// armWord returns the first instruction in mem as armasm expects it, in
// little endian order.
func armWord(mem []byte, order binary.ByteOrder) []byte {
	if order == binary.ByteOrder(binary.LittleEndian) {
		return mem
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], order.Uint32(mem))
	return buf[:]
}

func disasmPrint(dv []asmInstruction, out io.Writer) {
	bw := bufio.NewWriter(out)
	defer bw.Flush()
	tw := tabwriter.NewWriter(bw, 1, 8, 1, '\t', 0)
	defer tw.Flush()
	for _, inst := range dv {
		fmt.Fprintf(tw, "%#x\t%x\t%s\n", inst.addr, inst.bytes, inst.text)
	}
}

func disassCommand(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}

	mode := "arm"
	if t.mem.SupportsNative64BitAccess() {
		mode = "arm64"
	}
	v, err = cmdOptions(v, map[string]*string{"-mode": &mode})
	if err != nil {
		return err
	}

	length := defaultDisassembleLen
	switch len(v) {
	case 2:
		length, err = parseLength(v[1])
		if err != nil {
			return err
		}
	case 1:
	default:
		return errDisasmUsage
	}
	address, err := parseAddress(v[0])
	if err != nil {
		return err
	}
	if address%4 != 0 {
		return fmt.Errorf("address %#x is not 4-byte aligned", address)
	}
	if length > maxExamineLen {
		return fmt.Errorf("length must be less than or equal to %d bytes", maxExamineLen)
	}

	mem := make([]byte, (length+3)&^3)
	if err := t.mem.Read(address, mem); err != nil {
		return err
	}
	dv, err := disassemble(mode, address, mem, t.mem.ByteOrder())
	if err != nil {
		return err
	}
	t.stdout.Page()
	disasmPrint(dv, t.stdout)
	return nil
}
