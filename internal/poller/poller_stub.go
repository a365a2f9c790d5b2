//go:build !linux

package poller

import "time"

// Poller is unavailable on this platform; New always fails.
type Poller struct{}

func New() (*Poller, error) {
	return nil, ErrUnsupported
}

func (p *Poller) Register(int, Interest, any) error { return ErrUnsupported }
func (p *Poller) Modify(int, Interest) error        { return ErrUnsupported }
func (p *Poller) SetTag(int, any) error             { return ErrUnsupported }
func (p *Poller) Interest(int) Interest             { return None }
func (p *Poller) Unregister(int) error              { return ErrUnsupported }
func (p *Poller) Len() int                          { return 0 }
func (p *Poller) Wake() error                       { return ErrUnsupported }
func (p *Poller) Close() error                      { return nil }

func (p *Poller) Wait(time.Duration, []Event) ([]Event, error) {
	return nil, ErrUnsupported
}
