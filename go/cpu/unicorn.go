//go:build unicorn

package cpu

import (
	"github.com/jitcorn/jitcorn/go/cpu/unicorn"
)

func init() {
	Register("unicorn", &unicorn.Builder{})
}
