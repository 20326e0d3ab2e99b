package task

// runningEntry tracks one started task in the poll rotation.
type runningEntry struct {
	taskID   string
	remoteID string
	session  bool

	// attempts counts status checks issued since the task was started.
	attempts int

	// cursor is the session fromTimestamp; unused for one-shot jobs.
	cursor int64

	// checking is set while a status check is outstanding.
	checking bool
}

// runningSet is the ordered poll rotation of started tasks. New entries join
// the end of the rotation.
type runningSet struct {
	entries []*runningEntry
	next    int
}

func newRunningSet() *runningSet {
	return &runningSet{}
}

func (s *runningSet) Len() int {
	return len(s.entries)
}

func (s *runningSet) add(e *runningEntry) {
	s.entries = append(s.entries, e)
}

func (s *runningSet) get(taskID string) *runningEntry {
	for _, e := range s.entries {
		if e.taskID == taskID {
			return e
		}
	}
	return nil
}

// remove drops taskID from the rotation, keeping the position of the cursor
// on the entry that would have been checked next.
func (s *runningSet) remove(taskID string) bool {
	for i, e := range s.entries {
		if e.taskID != taskID {
			continue
		}
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
		if i < s.next {
			s.next--
		}
		if s.next >= len(s.entries) {
			s.next = 0
		}
		return true
	}
	return false
}

// advance returns the next entry in round-robin order that has no check in
// flight, or nil when every entry is busy.
func (s *runningSet) advance() *runningEntry {
	n := len(s.entries)
	for i := 0; i < n; i++ {
		if s.next >= n {
			s.next = 0
		}
		e := s.entries[s.next]
		s.next++
		if !e.checking {
			return e
		}
	}
	return nil
}

func (s *runningSet) clear() {
	s.entries = nil
	s.next = 0
}
