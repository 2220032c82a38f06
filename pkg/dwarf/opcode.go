// Package dwarf defines the subset of the DWARF call-frame-information
// virtual machine the rewriter emits and evaluates: CFI opcodes, location
// expression opcodes, and the val_expression that compensates for a
// stamped return address.
package dwarf

// Call-frame-instruction opcodes (low 6 bits; the high two bits select
// the embedded-operand forms).
const (
	CFANop              = 0x00
	CFASetLoc           = 0x01
	CFAAdvanceLoc1      = 0x02
	CFAAdvanceLoc2      = 0x03
	CFAAdvanceLoc4      = 0x04
	CFAOffsetExtended   = 0x05
	CFARestoreExtended  = 0x06
	CFAUndefined        = 0x07
	CFASameValue        = 0x08
	CFARegister         = 0x09
	CFARememberState    = 0x0a
	CFARestoreState     = 0x0b
	CFADefCfa           = 0x0c
	CFADefCfaRegister   = 0x0d
	CFADefCfaOffset     = 0x0e
	CFADefCfaExpression = 0x0f
	CFAExpression       = 0x10
	CFAValExpression    = 0x16
)

// High-opcode forms with the operand packed into the low 6 bits.
const (
	CFAAdvanceLoc = 0x40
	CFAOffset     = 0x80
	CFARestore    = 0xc0
)

// Location expression opcodes.
const (
	OpAddr  = 0x03 // push a machine-address literal operand
	OpDeref = 0x06 // pop an address, push the word it points to
	OpMinus = 0x1c // pop two, push difference
	OpXor   = 0x27 // pop two, push exclusive-or
	OpLit0  = 0x30 // OpLit0+n pushes the small constant n, n in 0..31
)

// Return-address virtual register numbers.
const (
	RetReg64 = 16 // x86-64 return-address column (RA)
	RetReg32 = 8  // 32-bit x86 return-address column (EIP)
)
