package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func intPtr(n int) *int { return &n }

func TestBufferedEmitter_History(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{ThreadID: "t1", Msg: MsgRunStart})
	b.Emit(Event{ThreadID: "t1", Step: 1, NodeID: "plan", Msg: MsgNodeStart})
	b.Emit(Event{ThreadID: "t1", Step: 1, NodeID: "plan", Msg: MsgNodeComplete})
	b.Emit(Event{ThreadID: "t1", Step: 2, NodeID: "search", Msg: MsgNodeError})
	b.Emit(Event{ThreadID: "t2", Step: 1, NodeID: "plan", Msg: MsgNodeStart})

	t.Run("history is per thread and ordered", func(t *testing.T) {
		history := b.GetHistory("t1")
		if len(history) != 4 {
			t.Fatalf("len = %d, want 4", len(history))
		}
		if history[0].Msg != MsgRunStart || history[3].Msg != MsgNodeError {
			t.Errorf("unexpected order: %v, %v", history[0].Msg, history[3].Msg)
		}
	})

	t.Run("history copy is detached", func(t *testing.T) {
		history := b.GetHistory("t1")
		history[0].Msg = "mutated"
		if b.GetHistory("t1")[0].Msg != MsgRunStart {
			t.Error("mutation through returned slice leaked into buffer")
		}
	})

	t.Run("filter by node", func(t *testing.T) {
		got := b.GetHistoryWithFilter("t1", HistoryFilter{NodeID: "plan"})
		if len(got) != 2 {
			t.Errorf("len = %d, want 2", len(got))
		}
	})

	t.Run("filter by msg", func(t *testing.T) {
		if n := b.Count("t1", HistoryFilter{Msg: MsgNodeError}); n != 1 {
			t.Errorf("count = %d, want 1", n)
		}
	})

	t.Run("filter by step range", func(t *testing.T) {
		got := b.GetHistoryWithFilter("t1", HistoryFilter{MinStep: intPtr(1), MaxStep: intPtr(1)})
		if len(got) != 2 {
			t.Errorf("len = %d, want 2", len(got))
		}
	})

	t.Run("combined filters AND together", func(t *testing.T) {
		got := b.GetHistoryWithFilter("t1", HistoryFilter{NodeID: "plan", Msg: MsgNodeComplete})
		if len(got) != 1 {
			t.Errorf("len = %d, want 1", len(got))
		}
	})

	t.Run("clear removes one thread only", func(t *testing.T) {
		b.Clear("t1")
		if len(b.GetHistory("t1")) != 0 {
			t.Error("t1 not cleared")
		}
		if len(b.GetHistory("t2")) != 1 {
			t.Error("t2 affected by clearing t1")
		}
	})
}

func TestBufferedEmitter_ConcurrentEmit(t *testing.T) {
	b := NewBufferedEmitter()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Emit(Event{ThreadID: "t", Msg: MsgNodeComplete})
		}()
	}
	wg.Wait()
	if n := len(b.GetHistory("t")); n != 20 {
		t.Errorf("len = %d, want 20", n)
	}
}

func TestLogEmitter_Text(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, false)
	l.Emit(Event{ThreadID: "sess", Step: 3, NodeID: "search", Msg: MsgNodeComplete, Meta: map[string]interface{}{"duration_ms": 12}})

	line := buf.String()
	for _, want := range []string{"[node_complete]", "thread=sess", "step=3", "node=search", "duration_ms"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestLogEmitter_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, true)
	l.Emit(Event{ThreadID: "sess", Step: 1, Msg: MsgRunStart})

	var decoded struct {
		ThreadID string `json:"thread_id"`
		Step     int    `json:"step"`
		Msg      string `json:"msg"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, buf.String())
	}
	if decoded.ThreadID != "sess" || decoded.Step != 1 || decoded.Msg != MsgRunStart {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestMultiEmitter_FanOut(t *testing.T) {
	a := NewBufferedEmitter()
	b := NewBufferedEmitter()
	m := MultiEmitter{a, b, NewNullEmitter()}

	m.Emit(Event{ThreadID: "t", Msg: MsgRunStart})

	if len(a.GetHistory("t")) != 1 || len(b.GetHistory("t")) != 1 {
		t.Error("event not delivered to all emitters")
	}
}
