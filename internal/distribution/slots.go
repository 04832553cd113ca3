package distribution

// SlotTable is a fixed-size set of consumer slots. Free slots are kept on a
// stack, so finding one is O(1), a freed slot is the next one handed out,
// and a fresh table hands out slot 0 first. A slot index stays with its
// occupant until Release.
type SlotTable struct {
	slots []Consumer
	free  []int
}

// NewSlotTable returns a table with n empty slots.
func NewSlotTable(n int) *SlotTable {
	t := &SlotTable{
		slots: make([]Consumer, n),
		free:  make([]int, n),
	}
	for i := range t.free {
		t.free[i] = n - 1 - i
	}
	return t
}

// Acquire reserves a free slot. The slot stays empty until Set; the caller
// must Set or Release it.
func (t *SlotTable) Acquire() (int, bool) {
	if len(t.free) == 0 {
		return -1, false
	}
	i := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	return i, true
}

// Set places c into a slot obtained from Acquire.
func (t *SlotTable) Set(i int, c Consumer) {
	t.slots[i] = c
}

// Release empties slot i and returns it to the free stack.
func (t *SlotTable) Release(i int) {
	t.slots[i] = nil
	t.free = append(t.free, i)
}

// Get returns the occupant of slot i, or nil.
func (t *SlotTable) Get(i int) Consumer {
	return t.slots[i]
}

// Cap returns the number of slots.
func (t *SlotTable) Cap() int {
	return len(t.slots)
}

// Free returns the number of slots that are neither populated nor reserved.
func (t *SlotTable) Free() int {
	return len(t.free)
}

// Active returns the number of populated slots.
func (t *SlotTable) Active() int {
	n := 0
	for _, c := range t.slots {
		if c != nil {
			n++
		}
	}
	return n
}
