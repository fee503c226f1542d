// Package dummy implements kernel.Source as a permanently-empty
// no-op source, selected per spec.md §4.1 when no kernel notification
// source is available: the monitor still serves a (permanently empty)
// presence view rather than failing to start.
package dummy

import (
	"fmt"

	"github.com/frobware/devmon/internal/domain"
	"golang.org/x/sys/unix"
)

// Source is the dummy kernel.Source. Its two fds are the read ends of
// pipes that are never written to, so the event loop blocks on them
// harmlessly alongside whatever other fds it polls.
type Source struct {
	unfilteredR, unfilteredW int
	taggedR, taggedW         int
}

// New opens two pipes to serve as never-readable fds, so the event
// loop doesn't need to special-case dummy mode in its poll list.
func New() (*Source, error) {
	var unfiltered, tagged [2]int
	if err := unix.Pipe2(unfiltered[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("dummy: pipe: %w", err)
	}
	if err := unix.Pipe2(tagged[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(unfiltered[0])
		unix.Close(unfiltered[1])
		return nil, fmt.Errorf("dummy: pipe: %w", err)
	}
	return &Source{
		unfilteredR: unfiltered[0], unfilteredW: unfiltered[1],
		taggedR: tagged[0], taggedW: tagged[1],
	}, nil
}

func (s *Source) Enumerate() ([]domain.Event, error) { return nil, nil }

func (s *Source) FD() (unfiltered, tagged int) { return s.unfilteredR, s.taggedR }

func (s *Source) Receive(readyFD int) (domain.Event, error) {
	return domain.Event{}, fmt.Errorf("dummy: no events are ever produced")
}

func (s *Source) Close() error {
	for _, fd := range []int{s.unfilteredR, s.unfilteredW, s.taggedR, s.taggedW} {
		unix.Close(fd)
	}
	return nil
}
