package streaming

import (
	"testing"
)

func TestBroadcasterDeliversInOrder(t *testing.T) {
	b := NewBroadcaster("session-1", 10)

	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish(KindStdout, "first")
	b.Publish(KindStdout, "second")
	b.Publish(KindStatus, "third")

	var seqs []int64
	for i := 0; i < 3; i++ {
		ev := <-ch
		seqs = append(seqs, ev.SequenceNum)
		if ev.SessionID != "session-1" {
			t.Errorf("Expected session-1, got %s", ev.SessionID)
		}
	}

	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Errorf("Sequence numbers not contiguous: %v", seqs)
		}
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster("session-1", 10)

	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	if b.SubscriberCount() != 2 {
		t.Fatalf("Expected 2 subscribers, got %d", b.SubscriberCount())
	}

	b.Publish(KindStdout, "hello")

	ev1 := <-ch1
	ev2 := <-ch2
	if ev1.Payload != "hello" || ev2.Payload != "hello" {
		t.Error("Expected both subscribers to receive the event")
	}
}

func TestBroadcasterNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBroadcaster("session-1", 2)

	_, cancel := b.Subscribe()
	defer cancel()

	// Fill the channel and keep publishing; the producer must not block.
	for i := 0; i < 10; i++ {
		b.Publish(KindStdout, "x")
	}

	if b.Dropped() != 8 {
		t.Errorf("Expected 8 dropped events, got %d", b.Dropped())
	}
}

func TestBroadcasterCancel(t *testing.T) {
	b := NewBroadcaster("session-1", 10)

	ch, cancel := b.Subscribe()
	cancel()

	if b.SubscriberCount() != 0 {
		t.Errorf("Expected 0 subscribers after cancel, got %d", b.SubscriberCount())
	}

	if _, ok := <-ch; ok {
		t.Error("Expected channel to be closed after cancel")
	}

	// Cancel is safe to call twice.
	cancel()
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster("session-1", 10)

	ch, _ := b.Subscribe()
	b.Close()

	if _, ok := <-ch; ok {
		t.Error("Expected channel to be closed")
	}

	// Publishing after close must not panic and still advances sequence.
	ev := b.Publish(KindStdout, "late")
	if ev.SequenceNum != 1 {
		t.Errorf("Expected sequence 1, got %d", ev.SequenceNum)
	}

	// Subscribing after close yields a closed channel.
	late, _ := b.Subscribe()
	if _, ok := <-late; ok {
		t.Error("Expected closed channel for late subscriber")
	}

	b.Close()
}

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text", "hello world", "hello world"},
		{"color codes", "\x1b[31mred\x1b[0m text", "red text"},
		{"cursor movement", "\x1b[2J\x1b[Hcleared", "cleared"},
		{"osc title", "\x1b]0;title\x07prompt$ ", "prompt$ "},
		{"charset selection", "\x1b(Bascii", "ascii"},
		{"orphan escape", "a\x1bb", "ab"},
		{"mixed", "\x1b[1;32muser\x1b[0m@\x1b[34mhost\x1b[0m$ ls", "user@host$ ls"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripANSI(tt.input); got != tt.want {
				t.Errorf("StripANSI(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
