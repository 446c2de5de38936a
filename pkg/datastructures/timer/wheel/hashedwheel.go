package wheel

import (
	"container/list"
	"sync"
	"time"
)

// Timer is a Hashed Wheel Timer for efficient O(1) scheduling of timeouts.
type Timer struct {
	tickDuration time.Duration
	wheelSize    int
	wheel        []*list.List
	currentTick  int
	stop         chan struct{}
	mu           sync.Mutex
	wg           sync.WaitGroup
}

// task is one scheduled callback. bucket/elem let Handle locate and remove
// it before it fires.
type task struct {
	rounds   int
	callback func()
	bucket   int
	elem     *list.Element
}

// Handle lets a caller cancel a task it scheduled, before it fires.
type Handle struct {
	t    *Timer
	tsk  *task
}

// New creates a new Hashed Wheel Timer.
func New(tickDuration time.Duration, wheelSize int) *Timer {
	wheel := make([]*list.List, wheelSize)
	for i := 0; i < wheelSize; i++ {
		wheel[i] = list.New()
	}

	return &Timer{
		tickDuration: tickDuration,
		wheelSize:    wheelSize,
		wheel:        wheel,
		stop:         make(chan struct{}),
	}
}

// Start starts the timer loop.
func (t *Timer) Start() {
	t.wg.Add(1)
	go t.loop()
}

// Stop stops the timer loop.
func (t *Timer) Stop() {
	close(t.stop)
	t.wg.Wait()
}

// Schedule schedules a task to run after the given delay.
func (t *Timer) Schedule(d time.Duration, callback func()) {
	t.ScheduleCancellable(d, callback)
}

// ScheduleCancellable schedules a task and returns a Handle that Cancel can
// be called on before the task fires. Needed by LeaseManager: ack/nack must
// be able to cancel a pending auto-extension deterministically.
func (t *Timer) ScheduleCancellable(d time.Duration, callback func()) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	ticks := int(d / t.tickDuration)
	if ticks < 0 {
		ticks = 0
	}

	rounds := ticks / t.wheelSize
	bucket := (t.currentTick + ticks) % t.wheelSize

	tsk := &task{rounds: rounds, callback: callback, bucket: bucket}
	tsk.elem = t.wheel[bucket].PushBack(tsk)

	return &Handle{t: t, tsk: tsk}
}

// Cancel removes the task if it has not fired yet. Safe to call more than
// once or after the task has already fired (no-op in both cases).
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	t := h.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if h.tsk.elem == nil {
		return
	}
	t.wheel[h.tsk.bucket].Remove(h.tsk.elem)
	h.tsk.elem = nil
}

func (t *Timer) loop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.tickDuration)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Timer) tick() {
	t.mu.Lock()
	bucket := t.wheel[t.currentTick]
	var next *list.Element
	for e := bucket.Front(); e != nil; e = next {
		next = e.Next()
		tsk := e.Value.(*task)
		if tsk.rounds > 0 {
			tsk.rounds--
		} else {
			go tsk.callback() // Run async to prevent blocking loop
			bucket.Remove(e)
			tsk.elem = nil
		}
	}
	t.currentTick = (t.currentTick + 1) % t.wheelSize
	t.mu.Unlock()
}
