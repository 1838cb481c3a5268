package chat

// history is a fixed-capacity FIFO of messages. The oldest entry is
// overwritten once the buffer is full.
type history struct {
	buf   []Message
	start int
	size  int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 1
	}
	return &history{buf: make([]Message, capacity)}
}

func (h *history) push(m Message) {
	end := (h.start + h.size) % len(h.buf)
	h.buf[end] = m
	if h.size < len(h.buf) {
		h.size++
		return
	}
	h.start = (h.start + 1) % len(h.buf)
}

// last returns up to n of the newest messages, oldest first.
func (h *history) last(n int) []Message {
	if n <= 0 || n > h.size {
		n = h.size
	}
	out := make([]Message, n)
	skip := h.size - n
	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.start+skip+i)%len(h.buf)]
	}
	return out
}
