package replicator

// Observer receives receiver-side protocol events synchronously, after state is applied.
type Observer interface {
	TransferStarted(id SessionID, header StreamHeader)
	ChunkReceived(id SessionID, chunk Chunk)
	TransferEnded(id SessionID)
}

// ObserverFuncs adapts optional callbacks to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnStarted func(id SessionID, header StreamHeader)
	OnChunk   func(id SessionID, chunk Chunk)
	OnEnded   func(id SessionID)
}

func (f ObserverFuncs) TransferStarted(id SessionID, header StreamHeader) {
	if f.OnStarted != nil {
		f.OnStarted(id, header)
	}
}

func (f ObserverFuncs) ChunkReceived(id SessionID, chunk Chunk) {
	if f.OnChunk != nil {
		f.OnChunk(id, chunk)
	}
}

func (f ObserverFuncs) TransferEnded(id SessionID) {
	if f.OnEnded != nil {
		f.OnEnded(id)
	}
}

// AddObserver registers o for all future events.
func (r *Replicator) AddObserver(o Observer) {
	if o == nil {
		return
	}
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *Replicator) snapshotObservers() []Observer {
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	out := make([]Observer, len(r.observers))
	copy(out, r.observers)
	return out
}
