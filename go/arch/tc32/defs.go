package tc32

const (
	R0 = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	NumRegs
)

// r14 is the conventional stack pointer, r15 the JAL link register.
const (
	SP = R14
	LR = R15
)

const (
	OP_NOP  = 0
	OP_LI   = 1
	OP_LUI  = 2
	OP_ADDI = 3
	OP_ADD  = 4
	OP_SUB  = 5
	OP_AND  = 6
	OP_OR   = 7
	OP_XOR  = 8
	OP_SHLI = 9
	OP_SHRI = 10
	OP_LW   = 11
	OP_SW   = 12
	OP_J    = 13
	OP_JAL  = 14
	OP_JR   = 15
	OP_BEQ  = 16
	OP_BNE  = 17
	OP_EI   = 18
	OP_DI   = 19
	OP_RTI  = 20
	OP_HALT = 21

	opCount = 22
)

// operand forms: F_RI is "rd, imm", F_MEM is "rd, imm(rs)", F_BR is
// "rd, rs, target" and F_REG is a lone rs
const (
	F_NONE = iota
	F_RI
	F_RRI
	F_RRR
	F_MEM
	F_JUMP
	F_REG
	F_BR
)

type opInfo struct {
	name string
	form int
	// ends a block
	branch bool
}

var opData = [opCount]opInfo{
	OP_NOP:  {"nop", F_NONE, false},
	OP_LI:   {"li", F_RI, false},
	OP_LUI:  {"lui", F_RI, false},
	OP_ADDI: {"addi", F_RRI, false},
	OP_ADD:  {"add", F_RRR, false},
	OP_SUB:  {"sub", F_RRR, false},
	OP_AND:  {"and", F_RRR, false},
	OP_OR:   {"or", F_RRR, false},
	OP_XOR:  {"xor", F_RRR, false},
	OP_SHLI: {"shli", F_RRI, false},
	OP_SHRI: {"shri", F_RRI, false},
	OP_LW:   {"lw", F_MEM, false},
	OP_SW:   {"sw", F_MEM, false},
	OP_J:    {"j", F_JUMP, true},
	OP_JAL:  {"jal", F_JUMP, true},
	OP_JR:   {"jr", F_REG, true},
	OP_BEQ:  {"beq", F_BR, true},
	OP_BNE:  {"bne", F_BR, true},
	OP_EI:   {"ei", F_NONE, false},
	OP_DI:   {"di", F_NONE, false},
	OP_RTI:  {"rti", F_NONE, true},
	OP_HALT: {"halt", F_NONE, true},
}

var opNames = func() map[string]uint8 {
	m := make(map[string]uint8, opCount)
	for op, info := range opData {
		m[info.name] = uint8(op)
	}
	return m
}()
