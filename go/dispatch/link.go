package dispatch

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/jitcorn/jitcorn/go/arch/x64"
)

// EdgeTarget decodes the patch slot at site. A linked slot is a jmp to its
// destination block; an unlinked one calls the static thunk.
func (b *Backend) EdgeTarget(site uint64) (linked bool, target uint64, err error) {
	code, err := b.code.Read(site, x64.PatchSize)
	if err != nil {
		return false, 0, err
	}
	op, target, ok := x64.BranchTarget(code, site)
	if !ok {
		return false, 0, errors.Errorf("no branch at patch slot %#x: % x", site, code)
	}
	return op == x86asm.JMP, target, nil
}

// PatchEdge replaces "call static" at site with "jmp dest". The slot must be
// unlinked; anything else means the block graph lost track of it.
func (b *Backend) PatchEdge(site, dest uint64) error {
	linked, target, err := b.EdgeTarget(site)
	if err != nil {
		return err
	}
	if linked || target != b.thunks.Static {
		panic(errors.Errorf("patching %#x: slot branches to %#x, not the static thunk", site, target))
	}
	code, err := x64.EncodeJmp(site, dest)
	if err != nil {
		return err
	}
	return b.code.Write(site, code)
}

// RestoreEdge puts "call static" back at a linked site.
func (b *Backend) RestoreEdge(site uint64) error {
	linked, _, err := b.EdgeTarget(site)
	if err != nil {
		return err
	}
	if !linked {
		panic(errors.Errorf("restoring %#x: slot is not linked", site))
	}
	code, err := x64.EncodeCall(site, b.thunks.Static)
	if err != nil {
		return err
	}
	return b.code.Write(site, code)
}
