package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

var _ Provider = (*MockProvider)(nil)
var _ Provider = (*Terminal)(nil)
var _ Provider = (*Discord)(nil)

func TestMockProvider_Lifecycle(t *testing.T) {
	m := NewMockProvider("test")
	if m.Name() != "test" {
		t.Errorf("Name() = %q, want test", m.Name())
	}
	if err := m.Start(context.Background()); err != nil {
		t.Errorf("Start() error = %v", err)
	}
	if !m.WasStartCalled() {
		t.Error("Start was not recorded")
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if !m.WasStopCalled() {
		t.Error("Stop was not recorded")
	}
	m.Simulate(Message{Content: "late"})
	if _, ok := <-m.Messages(); ok {
		t.Error("Messages() should be closed after Stop")
	}
}

func TestMockProvider_StartError(t *testing.T) {
	m := NewMockProvider("test")
	m.SetStartError(context.DeadlineExceeded)
	if err := m.Start(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Start() error = %v, want DeadlineExceeded", err)
	}
}

func TestMockProvider_SendRecords(t *testing.T) {
	m := NewMockProvider("test")
	if err := m.Send("c1", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := m.SendFile("c1", "out.md", []byte("body")); err != nil {
		t.Fatal(err)
	}

	sent := m.Sent()
	if len(sent) != 2 {
		t.Fatalf("len(Sent()) = %d, want 2", len(sent))
	}
	if sent[0].Content != "hello" || sent[0].Filename != "" {
		t.Errorf("sent[0] = %+v", sent[0])
	}
	if sent[1].Filename != "out.md" || string(sent[1].Data) != "body" {
		t.Errorf("sent[1] = %+v", sent[1])
	}

	m.SetSendError(errors.New("down"))
	if err := m.Send("c1", "x"); err == nil {
		t.Error("Send() should return the configured error")
	}
	if len(m.Sent()) != 2 {
		t.Error("failed sends should not be recorded")
	}
}

func TestMockProvider_SimulateAndWait(t *testing.T) {
	m := NewMockProvider("mock")
	m.Simulate(Message{ChannelID: "c1", Content: "hi"})
	msg := <-m.Messages()
	if msg.Source != "mock" {
		t.Errorf("Source = %q, want provider name", msg.Source)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Send("c1", "later")
	}()
	ok := m.WaitFor(time.Second, func(s []Sent) bool { return len(s) == 1 })
	if !ok {
		t.Error("WaitFor() should see the send")
	}
	if m.WaitFor(30*time.Millisecond, func(s []Sent) bool { return len(s) == 2 }) {
		t.Error("WaitFor() should time out")
	}
}

func TestMessage_UserKey(t *testing.T) {
	if k := (Message{Author: "alice", AuthorID: "42"}).UserKey(); k != "42" {
		t.Errorf("UserKey() = %q, want id", k)
	}
	if k := (Message{Author: "alice"}).UserKey(); k != "alice" {
		t.Errorf("UserKey() = %q, want author", k)
	}
}
