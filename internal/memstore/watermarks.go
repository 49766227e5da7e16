package memstore

import (
	"context"
	"sync"

	"meeplemeet/api/internal/discussion"
)

// Watermarks keeps read watermarks in memory.
type Watermarks struct {
	mu      sync.Mutex
	marks   map[string]discussion.Watermark
	failure error
}

func NewWatermarks() *Watermarks {
	return &Watermarks{marks: make(map[string]discussion.Watermark)}
}

func (w *Watermarks) FailWith(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failure = err
}

func (w *Watermarks) GetWatermark(_ context.Context, discussionID, accountID string) (discussion.Watermark, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failure != nil {
		return discussion.Watermark{}, discussion.NewStoreError("get watermark", w.failure)
	}
	return w.marks[discussionID+"/"+accountID], nil
}

func (w *Watermarks) SetWatermark(_ context.Context, discussionID, accountID string, mark discussion.Watermark) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failure != nil {
		return false, discussion.NewStoreError("set watermark", w.failure)
	}
	key := discussionID + "/" + accountID
	if !mark.After(w.marks[key]) {
		return false, nil
	}
	w.marks[key] = mark
	return true, nil
}
