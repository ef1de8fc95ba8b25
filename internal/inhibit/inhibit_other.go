//go:build !linux

package inhibit

type unsupported struct{}

func newBackend() backend { return unsupported{} }

func (unsupported) inhibit(string, string) (uint32, error) { return 0, ErrNotSupported }
func (unsupported) uninhibit(uint32) error                 { return nil }
