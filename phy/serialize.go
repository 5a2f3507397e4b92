package phy

import (
	"sync"

	"github.com/gotypec/pdsink/pdmsg"
)

// serialized wraps a Driver with a mutex so that the PHY can be shared
// safely by goroutines standing in for the cooperative protocol tasks.
// The protocol design guarantees only one of PRL-RX, PRL-TX, and Hard Reset
// ever intends to touch the PHY at a time; this wrapper turns that design
// intent into an enforced property when the tasks are mapped onto real OS
// threads instead of one cooperative loop.
type serialized struct {
	mu sync.Mutex
	d  Driver
}

// Serialize wraps d so its methods are safe to call from multiple
// goroutines, serializing them with a mutex.
func Serialize(d Driver) Driver {
	return &serialized{d: d}
}

func (s *serialized) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.Reset()
}

func (s *serialized) SendMessage(m pdmsg.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.SendMessage(m)
}

func (s *serialized) SendHardReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.SendHardReset()
}

func (s *serialized) ReadMessage(out *pdmsg.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.ReadMessage(out)
}

func (s *serialized) GetStatus() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.GetStatus()
}

func (s *serialized) GetTypeCCurrent() (TypeCCurrent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.GetTypeCCurrent()
}

func (s *serialized) IntNAsserted() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.IntNAsserted()
}
