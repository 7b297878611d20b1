package x64

// Reg is both the hardware encoding and the register enum used with
// cpu.Cpu RegRead/RegWrite.
type Reg byte

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	RIP
	RFLAGS
)

// RFLAGS bits the interpreter tracks
const (
	FlagCF = 1 << 0
	FlagZF = 1 << 6
	FlagSF = 1 << 7
	FlagOF = 1 << 11
)

var regNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "rflags",
}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return "?"
}

// Regs lists every enum a host cpu backend must support.
func Regs() []int {
	enums := make([]int, len(regNames))
	for i := range enums {
		enums[i] = i
	}
	return enums
}

// SysV argument registers, used by host calls
var ArgRegs = []Reg{RDI, RSI, RDX, RCX, R8, R9}
