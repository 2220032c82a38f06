package dwarf

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Log-of-e/rewriter/internal/types"
)

// Expression evaluation errors.
var (
	ErrTruncated      = errors.New("truncated unwind operation")
	ErrNotValExpr     = errors.New("not a val_expression operation")
	ErrUnknownOp      = errors.New("unknown expression opcode")
	ErrStackUnderflow = errors.New("expression stack underflow")
)

// StampOp builds the DW_CFA_val_expression operation that recomputes the
// return-address column after stamping:
//
//	RA := *(CFA - ptrsize) XOR stamp
//
// encoded in prefix form as lit<ptrsize>, minus, deref, addr <stamp>,
// xor. The 64-bit form targets register 16 with a 13-byte expression; the
// 32-bit form targets register 8 with a 9-byte expression.
//
// The stamp is applied by an x86 xor with a 32-bit immediate, which the
// CPU sign-extends on 64-bit targets. The address literal here is the
// same sign-extension, in the target's little-endian byte order, so the
// unwinder computes exactly what the hardware did.
func StampOp(width int, stamp types.StampValue) []byte {
	var retReg, exprLen, byteWidth byte
	switch width {
	case 64:
		retReg, exprLen, byteWidth = RetReg64, 13, 8
	case 32:
		retReg, exprLen, byteWidth = RetReg32, 9, 4
	default:
		panic(fmt.Sprintf("dwarf: unsupported pointer width %d", width))
	}
	if int(byteWidth) > 8 {
		panic("dwarf: pointer width exceeds stamp storage width")
	}

	op := make([]byte, 0, 3+int(exprLen))
	op = append(op,
		CFAValExpression, retReg, exprLen,
		OpLit0+byteWidth, OpMinus, OpDeref,
		OpAddr,
	)
	var lit [8]byte
	binary.LittleEndian.PutUint64(lit[:], uint64(int64(int32(stamp))))
	op = append(op, lit[:byteWidth]...)
	op = append(op, OpXor)
	return op
}

// ValExpression is a decoded DW_CFA_val_expression operation.
type ValExpression struct {
	// Reg is the virtual register the expression's value is assigned to.
	Reg uint8

	// Expr is the expression byte code.
	Expr []byte
}

// DecodeValExpression splits a val_expression operation into its register
// and expression bytes.
func DecodeValExpression(op []byte) (*ValExpression, error) {
	if len(op) < 3 {
		return nil, ErrTruncated
	}
	if op[0] != CFAValExpression {
		return nil, fmt.Errorf("%w: opcode 0x%02x", ErrNotValExpr, op[0])
	}
	exprLen := int(op[2])
	if len(op) != 3+exprLen {
		return nil, fmt.Errorf("%w: declared %d expression bytes, have %d",
			ErrTruncated, exprLen, len(op)-3)
	}
	return &ValExpression{Reg: op[1], Expr: op[3:]}, nil
}

// Eval runs the expression with CFA as the initial stack entry and
// returns the resulting register value. Memory reads go through load,
// which receives an address and the access size in bytes.
func (e *ValExpression) Eval(cfa uint64, ptrSize int, load func(addr uint64, size int) (uint64, error)) (uint64, error) {
	stack := []uint64{cfa}

	push := func(v uint64) { stack = append(stack, v) }
	pop := func() (uint64, error) {
		if len(stack) == 0 {
			return 0, ErrStackUnderflow
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}

	for pc := 0; pc < len(e.Expr); pc++ {
		op := e.Expr[pc]
		switch {
		case op >= OpLit0 && op <= OpLit0+31:
			push(uint64(op - OpLit0))

		case op == OpMinus:
			b, err := pop()
			if err != nil {
				return 0, err
			}
			a, err := pop()
			if err != nil {
				return 0, err
			}
			push(a - b)

		case op == OpXor:
			b, err := pop()
			if err != nil {
				return 0, err
			}
			a, err := pop()
			if err != nil {
				return 0, err
			}
			push(a ^ b)

		case op == OpDeref:
			addr, err := pop()
			if err != nil {
				return 0, err
			}
			v, err := load(addr, ptrSize)
			if err != nil {
				return 0, err
			}
			push(v)

		case op == OpAddr:
			if pc+ptrSize >= len(e.Expr) {
				return 0, ErrTruncated
			}
			var lit [8]byte
			copy(lit[:], e.Expr[pc+1:pc+1+ptrSize])
			push(binary.LittleEndian.Uint64(lit[:]))
			pc += ptrSize

		default:
			return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownOp, op)
		}
	}

	v, err := pop()
	if err != nil {
		return 0, err
	}
	if ptrSize == 4 {
		v &= 0xffffffff
	}
	return v, nil
}
