// Package loader builds rewriter IR from x86 ELF binaries.
//
// The loader reads the .text section and the symbol table, decodes one
// instruction stream per FUNC symbol, and resolves direct PC-relative
// branch and call targets across the whole image so tail calls and
// conditional exits between functions are representable. Indirect-branch
// target sets and unwind programs are not recovered here; they are
// attached by external analyses before the transform runs.
package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"golang.org/x/arch/x86/x86asm"

	"github.com/Log-of-e/rewriter/internal/types"
	"github.com/Log-of-e/rewriter/pkg/ir"
)

var (
	// ErrNoText is returned when the binary has no .text section.
	ErrNoText = errors.New("no .text section found")

	// ErrNoSymbols is returned when the binary carries no function
	// symbols to segment the instruction stream.
	ErrNoSymbols = errors.New("no function symbols found")

	// ErrUnsupportedMachine is returned for non-x86 binaries.
	ErrUnsupportedMachine = errors.New("unsupported machine type (expected x86 or x86-64)")
)

// Symbol is one function boundary in the image.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

// LoadFile reads an ELF binary from disk and returns its IR together
// with the digest of the file image.
func LoadFile(path string) (*ir.Program, types.Digest, error) {
	data, err := readImage(path)
	if err != nil {
		return nil, types.Digest{}, err
	}
	digest := types.DigestOf(data)

	prog, err := FromELF(bytes.NewReader(data))
	if err != nil {
		return nil, digest, fmt.Errorf("load %s: %w", path, err)
	}
	return prog, digest, nil
}

// readImage slurps a binary image from disk.
func readImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// FromELF parses an ELF image and builds the IR.
func FromELF(r io.ReaderAt) (*ir.Program, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}
	defer f.Close()

	var width int
	switch f.Machine {
	case elf.EM_X86_64:
		width = ir.Width64
	case elf.EM_386:
		width = ir.Width32
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMachine, f.Machine)
	}

	text := f.Section(".text")
	if text == nil {
		return nil, ErrNoText
	}
	code, err := text.Data()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read .text: %w", err)
	}

	syms, err := functionSymbols(f, text.Addr, text.Addr+text.Size)
	if err != nil {
		return nil, err
	}
	if len(syms) == 0 {
		return nil, ErrNoSymbols
	}

	return Build(code, text.Addr, width, syms)
}

// functionSymbols collects FUNC symbols inside the text range.
func functionSymbols(f *elf.File, lo, hi uint64) ([]Symbol, error) {
	raw, err := f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		return nil, ErrNoSymbols
	}
	if err != nil {
		return nil, fmt.Errorf("read symbols: %w", err)
	}

	var out []Symbol
	for _, s := range raw {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Size == 0 {
			continue
		}
		if s.Value < lo || s.Value >= hi {
			continue
		}
		out = append(out, Symbol{Name: s.Name, Addr: s.Value, Size: s.Size})
	}
	return out, nil
}

// pendingTarget records a direct branch whose destination handle is
// resolved after every instruction exists.
type pendingTarget struct {
	insn ir.InsnID
	addr uint64
}

// Build decodes the code bytes at base and assembles one function per
// symbol. Direct PC-relative targets are resolved against every decoded
// instruction in the image, not just the owning function.
func Build(code []byte, base uint64, width int, syms []Symbol) (*ir.Program, error) {
	p := ir.NewProgram(width)

	sorted := make([]Symbol, len(syms))
	copy(sorted, syms)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })

	byAddr := make(map[uint64]ir.InsnID)
	var pending []pendingTarget

	for _, sym := range sorted {
		if sym.Addr < base || sym.Addr+sym.Size > base+uint64(len(code)) {
			continue
		}
		f := p.AddFunction(sym.Name)
		body := code[sym.Addr-base : sym.Addr-base+sym.Size]

		var prev ir.InsnID = ir.InsnNone
		var prevKind ir.Kind
		for off := 0; off < len(body); {
			addr := sym.Addr + uint64(off)

			// ENDBR64/ENDBR32 (f3 0f 1e fa/fb): CET markers at function
			// entries that the decoder does not recognise.
			if off+4 <= len(body) &&
				body[off] == 0xf3 && body[off+1] == 0x0f &&
				body[off+2] == 0x1e && (body[off+3] == 0xfa || body[off+3] == 0xfb) {
				id := appendInsn(p, f, addr, "endbr", ir.KindOther)
				byAddr[addr] = id
				linkFallthrough(p, prev, prevKind, id)
				prev, prevKind = id, ir.KindOther
				off += 4
				continue
			}

			inst, err := x86asm.Decode(body[off:], width)
			if err != nil {
				// Data in the middle of code; represent the byte and
				// resynchronize.
				id := appendInsn(p, f, addr, fmt.Sprintf("(bad) 0x%02x", body[off]), ir.KindOther)
				byAddr[addr] = id
				linkFallthrough(p, prev, prevKind, id)
				prev, prevKind = id, ir.KindOther
				off++
				continue
			}

			kind := kindOf(inst)
			id := appendInsn(p, f, addr, x86asm.IntelSyntax(inst, addr, nil), kind)
			byAddr[addr] = id
			linkFallthrough(p, prev, prevKind, id)

			if target, ok := relTarget(inst, addr); ok {
				pending = append(pending, pendingTarget{insn: id, addr: target})
			}

			prev, prevKind = id, kind
			off += inst.Len
		}

		if entry, ok := byAddr[sym.Addr]; ok {
			f.Entry = entry
		}
	}

	// Second pass: attach direct targets now that every instruction in
	// the image has a handle. Unresolvable targets (outside .text or
	// into unnamed code) stay absent.
	for _, pt := range pending {
		if target, ok := byAddr[pt.addr]; ok {
			p.Insn(pt.insn).Target = target
		}
	}

	return p, nil
}

// appendInsn adds one instruction with absent references.
func appendInsn(p *ir.Program, f *ir.Function, addr uint64, asm string, kind ir.Kind) ir.InsnID {
	insn := ir.NewInsn(kind, asm)
	insn.Addr = addr
	return p.Append(f, insn)
}

// linkFallthrough connects prev to next unless prev never falls through.
func linkFallthrough(p *ir.Program, prev ir.InsnID, prevKind ir.Kind, next ir.InsnID) {
	if prev == ir.InsnNone {
		return
	}
	// Returns and unconditional branches do not fall through.
	if prevKind == ir.KindReturn || prevKind == ir.KindBranch {
		return
	}
	p.Insn(prev).Fallthrough = next
}

// kindOf maps a decoded instruction to its IR class. Conditional jumps
// keep KindOther: they are distinct Op values in the decoder, so JMP is
// always unconditional.
func kindOf(inst x86asm.Inst) ir.Kind {
	switch inst.Op {
	case x86asm.RET, x86asm.LRET:
		return ir.KindReturn
	case x86asm.CALL, x86asm.LCALL:
		return ir.KindCall
	case x86asm.JMP, x86asm.LJMP:
		return ir.KindBranch
	default:
		return ir.KindOther
	}
}

// relTarget extracts a PC-relative destination from branch and call
// instructions.
func relTarget(inst x86asm.Inst, addr uint64) (uint64, bool) {
	switch inst.Op {
	case x86asm.CALL, x86asm.JMP,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ,
		x86asm.JE, x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL,
		x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS,
		x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			return addr + uint64(inst.Len) + uint64(int64(rel)), true
		}
	}
	return 0, false
}
