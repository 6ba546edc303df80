package session

// playbackState is the playback synchronizer: a FIFO of pending chunk
// acknowledgments plus the window describing the response currently being
// played out. It has no lock on purpose — the session event loop is the
// only writer, which keeps barge-in reset and mark enqueue from ever
// interleaving.
type playbackState struct {
	marks []string

	responseInFlight bool
	responseStartMS  int64
	assistantItemID  string
}

// EnqueueMark records one outbound audio chunk awaiting its played
// acknowledgment.
func (p *playbackState) EnqueueMark(name string) {
	p.marks = append(p.marks, name)
}

// AckMark dequeues one pending acknowledgment. A late or duplicate ack on
// an empty queue is tolerated and reported as false; the queue never
// underflows.
func (p *playbackState) AckMark() bool {
	if len(p.marks) == 0 {
		return false
	}
	p.marks = p.marks[1:]
	return true
}

func (p *playbackState) Pending() int {
	return len(p.marks)
}

func (p *playbackState) ResponseInFlight() bool {
	return p.responseInFlight
}

// BeginResponse records the caller-side media clock at which the current
// response started playing. Later chunks of the same response keep the
// original start.
func (p *playbackState) BeginResponse(mediaClockMS int64) {
	if p.responseInFlight {
		return
	}
	p.responseInFlight = true
	p.responseStartMS = mediaClockMS
}

func (p *playbackState) ResponseStartMS() int64 {
	return p.responseStartMS
}

func (p *playbackState) SetAssistantItem(itemID string) {
	if itemID != "" {
		p.assistantItemID = itemID
	}
}

func (p *playbackState) AssistantItemID() string {
	return p.assistantItemID
}

// Reset clears the mark queue and the response window together, as one
// step of the barge-in sequence.
func (p *playbackState) Reset() {
	p.marks = nil
	p.responseInFlight = false
	p.responseStartMS = 0
	p.assistantItemID = ""
}
