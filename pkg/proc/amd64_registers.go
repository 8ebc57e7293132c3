package proc

// AMD64PtraceRegs is the struct used by the linux kernel to return the
// general purpose registers for AMD64 CPUs.
type AMD64PtraceRegs struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// AMD64Registers implements the Registers interface on AMD64. The value is
// a copy taken when the thread stopped and never changes afterwards.
type AMD64Registers struct {
	Regs AMD64PtraceRegs
}

// PC returns the value of RIP register.
func (r *AMD64Registers) PC() uint64 {
	return r.Regs.Rip
}

// SP returns the value of RSP register.
func (r *AMD64Registers) SP() uint64 {
	return r.Regs.Rsp
}

// Groups returns the general purpose registers, with their 32, 16 and 8
// bit views, followed by the segment registers.
func (r *AMD64Registers) Groups() []RegisterGroup {
	var gprs = []struct {
		q, d, w, b string
		v          uint64
	}{
		{"rax", "eax", "ax", "al", r.Regs.Rax},
		{"rbx", "ebx", "bx", "bl", r.Regs.Rbx},
		{"rcx", "ecx", "cx", "cl", r.Regs.Rcx},
		{"rdx", "edx", "dx", "dl", r.Regs.Rdx},
		{"rdi", "edi", "di", "dil", r.Regs.Rdi},
		{"rsi", "esi", "si", "sil", r.Regs.Rsi},
		{"rbp", "ebp", "bp", "bpl", r.Regs.Rbp},
		{"rsp", "esp", "sp", "spl", r.Regs.Rsp},
		{"r8", "r8d", "r8w", "r8l", r.Regs.R8},
		{"r9", "r9d", "r9w", "r9l", r.Regs.R9},
		{"r10", "r10d", "r10w", "r10l", r.Regs.R10},
		{"r11", "r11d", "r11w", "r11l", r.Regs.R11},
		{"r12", "r12d", "r12w", "r12l", r.Regs.R12},
		{"r13", "r13d", "r13w", "r13l", r.Regs.R13},
		{"r14", "r14d", "r14w", "r14l", r.Regs.R14},
		{"r15", "r15d", "r15w", "r15l", r.Regs.R15},
	}

	gp := make([]Register, 0, len(gprs)*4+3)
	for _, reg := range gprs {
		gp = AppendQwordReg(gp, reg.q, reg.v)
	}
	gp = AppendQwordReg(gp, "rip", r.Regs.Rip)
	gp = AppendQwordReg(gp, "rflags", r.Regs.Eflags)
	for _, reg := range gprs {
		gp = AppendDwordReg(gp, reg.d, uint32(reg.v))
	}
	gp = AppendDwordReg(gp, "eflags", uint32(r.Regs.Eflags))
	for _, reg := range gprs {
		gp = AppendWordReg(gp, reg.w, uint16(reg.v))
	}
	for _, reg := range gprs {
		gp = AppendByteReg(gp, reg.b, uint8(reg.v))
	}

	var seg []Register
	seg = AppendQwordReg(seg, "cs", r.Regs.Cs)
	seg = AppendQwordReg(seg, "ss", r.Regs.Ss)
	seg = AppendQwordReg(seg, "ds", r.Regs.Ds)
	seg = AppendQwordReg(seg, "es", r.Regs.Es)
	seg = AppendQwordReg(seg, "fs", r.Regs.Fs)
	seg = AppendQwordReg(seg, "gs", r.Regs.Gs)
	seg = AppendQwordReg(seg, "fs_base", r.Regs.Fs_base)
	seg = AppendQwordReg(seg, "gs_base", r.Regs.Gs_base)

	return []RegisterGroup{
		{Name: GeneralPurposeRegisters, Registers: gp},
		{Name: "Segment Registers", Registers: seg},
	}
}

// AMD64GeneralPurposeNames returns the names of every AMD64 general purpose
// register view, usable without an attached target.
func AMD64GeneralPurposeNames() []string {
	var r AMD64Registers
	return RegisterNames(&r, GeneralPurposeRegisters)
}
