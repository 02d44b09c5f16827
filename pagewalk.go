package vmi

import (
	"errors"
	"fmt"
)

// x86-64 page table entry bits.
const (
	pteP    = 1 << 0
	pteRW   = 1 << 1
	ptePS   = 1 << 7
	pteAddr = 0x000f_ffff_ffff_f000
)

var levelNames = [4]string{"pml4e", "pdpte", "pde", "pte"}

func canonical(va uint64) bool {
	return uint64(int64(va<<16)>>16) == va
}

func translationFault(va uint64, format string, args ...any) error {
	return wrapError(CodeTranslationFault, "translate_virtual", va, fmt.Errorf(format, args...))
}

// walk translates va with the paging context in regs. With paging off the
// address is used as is. Only 4-level long mode paging is walked; writes
// require RW at every level. User/supervisor and NX bits are not checked:
// introspection accesses act with supervisor rights.
func (g *Guest) walk(regs *Registers, va uint64, write bool) (uint64, error) {
	if !regs.PagingEnabled() {
		return va, nil
	}
	if !regs.LongMode() {
		return 0, translationFault(va, "paging mode cr0=0x%x cr4=0x%x efer=0x%x is not walked", regs.CR0, regs.CR4, regs.EFER)
	}
	if !canonical(va) {
		return 0, translationFault(va, "non-canonical address")
	}

	table := regs.CR3 & pteAddr
	for level := 0; level < 4; level++ {
		shift := 39 - 9*uint(level)
		entryAddr := table + ((va>>shift)&0x1ff)*8

		raw, err := g.ReadPhysical(entryAddr, 8)
		if err != nil {
			if errors.Is(err, ErrOutOfBounds) {
				return 0, translationFault(va, "%s at 0x%x outside guest memory", levelNames[level], entryAddr)
			}
			return 0, err
		}
		entry := le.Uint64(raw)

		if entry&pteP == 0 {
			return 0, translationFault(va, "%s 0x%x not present", levelNames[level], entry)
		}
		if write && entry&pteRW == 0 {
			return 0, translationFault(va, "%s 0x%x write protected", levelNames[level], entry)
		}
		if (level == 1 || level == 2) && entry&ptePS != 0 {
			pageMask := uint64(1)<<shift - 1
			return (entry & pteAddr &^ pageMask) | va&pageMask, nil
		}
		table = entry & pteAddr
	}
	return table | va&guestPageMask, nil
}
