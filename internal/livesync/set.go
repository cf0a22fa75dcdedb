package livesync

// orderedSet is a string set that remembers insertion order.
type orderedSet struct {
	keys  []string
	index map[string]struct{}
}

func newOrderedSet() *orderedSet {
	return &orderedSet{index: make(map[string]struct{})}
}

func (s *orderedSet) has(k string) bool {
	_, ok := s.index[k]
	return ok
}

func (s *orderedSet) add(k string) {
	if s.has(k) {
		return
	}
	s.index[k] = struct{}{}
	s.keys = append(s.keys, k)
}

func (s *orderedSet) remove(k string) {
	if !s.has(k) {
		return
	}
	delete(s.index, k)
	for i, v := range s.keys {
		if v == k {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			return
		}
	}
}

func (s *orderedSet) values() []string {
	return append([]string(nil), s.keys...)
}

func (s *orderedSet) len() int { return len(s.keys) }

func (s *orderedSet) clear() {
	s.keys = nil
	s.index = make(map[string]struct{})
}
