package listing

import (
	"errors"
	"fmt"
)

var errEmptyRAM = errors.New("empty ram descriptor")

type ramDescriptorError struct {
	descriptor string
}

func (e *ramDescriptorError) Error() string {
	return fmt.Sprintf("ram descriptor %q does not start with a module count", e.descriptor)
}
