package engine

import "sync"

// Maintenance operation kinds. Each kind runs at most once at a time.
const (
	OpDecay       = "decay"
	OpCompression = "compression"
	OpCleanup     = "cleanup"
	OpAutoTune    = "autotune"
)

// Locks holds the advisory maintenance locks. The process entry point owns
// one instance and hands it to the engine; tests build their own.
type Locks struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocks returns an empty lock set.
func NewLocks() *Locks {
	return &Locks{held: make(map[string]bool)}
}

// TryLock takes the lock for kind without waiting. It returns a release
// func and true, or nil and false if another caller holds it.
func (l *Locks) TryLock(kind string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[kind] {
		return nil, false
	}
	l.held[kind] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, kind)
			l.mu.Unlock()
		})
	}, true
}

// Held reports whether kind is currently locked.
func (l *Locks) Held(kind string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[kind]
}
