// ABOUTME: In-memory Gateway that records outbound traffic
// ABOUTME: Used by tests to assert what the orchestrator and router sent

package channel

import (
	"context"
	"fmt"
	"sync"
)

// SentFile is a file recorded by a Recorder with its recipient.
type SentFile struct {
	To   Address
	File File
}

// Recorder is a Gateway that keeps every message it is asked to send.
// It also serves media added with AddMedia.
type Recorder struct {
	kind Kind

	mu       sync.Mutex
	messages []Message
	files    []SentFile
	media    map[string]File
	err      error
}

// NewRecorder creates a Recorder for kind.
func NewRecorder(kind Kind) *Recorder {
	return &Recorder{kind: kind, media: make(map[string]File)}
}

// Kind returns the recorder's channel kind.
func (r *Recorder) Kind() Kind { return r.kind }

// FailWith makes subsequent sends return err (nil restores success).
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// AddMedia makes ref fetchable.
func (r *Recorder) AddMedia(ref string, file File) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.media[ref] = file
}

// Fetch returns media added with AddMedia.
func (r *Recorder) Fetch(ctx context.Context, ref string) (File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.media[ref]
	if !ok {
		return File{}, fmt.Errorf("%w: %q", ErrNoMedia, ref)
	}
	return f, nil
}

// Send records msg.
func (r *Recorder) Send(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, msg)
	return nil
}

// SendFile records file.
func (r *Recorder) SendFile(ctx context.Context, to Address, file File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.files = append(r.files, SentFile{To: to, File: file})
	return nil
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// MessagesTo returns the recorded messages addressed to id.
func (r *Recorder) MessagesTo(id string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if m.To.ID == id {
			out = append(out, m)
		}
	}
	return out
}

// Files returns a copy of the recorded files.
func (r *Recorder) Files() []SentFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SentFile, len(r.files))
	copy(out, r.files)
	return out
}

// Reset drops everything recorded so far. Media added with AddMedia stays.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
	r.files = nil
}
