package models

import "fmt"

// ExitStatus ends emulation with a guest-chosen code.
type ExitStatus int

func (e ExitStatus) Error() string {
	return fmt.Sprintf("exit %d", e)
}
