package assistant

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jholhewres/recall/pkg/recall/channels"
	"github.com/jholhewres/recall/pkg/recall/messages"
	"github.com/jholhewres/recall/pkg/recall/runner"
	"github.com/jholhewres/recall/pkg/recall/scheduler"
	"github.com/jholhewres/recall/pkg/recall/session"
	"github.com/jholhewres/recall/pkg/recall/storage"
)

// ---------- Stubs ----------

type fakeChannel struct {
	mu        sync.Mutex
	sent      []string
	sentTo    []string
	media     []byte
	mediaType string
	sendErr   error
	nextID    int
}

func (f *fakeChannel) Name() string { return "whatsapp" }

func (f *fakeChannel) VerifySignature([]byte, http.Header) bool { return true }

func (f *fakeChannel) ParseWebhook([]byte) (*channels.IncomingMessage, error) { return nil, nil }

func (f *fakeChannel) SendText(_ context.Context, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, text)
	f.sentTo = append(f.sentTo, to)
	f.nextID++
	return fmt.Sprintf("out-%d", f.nextID), nil
}

func (f *fakeChannel) DownloadMedia(context.Context, string) ([]byte, string, error) {
	return f.media, f.mediaType, nil
}

func (f *fakeChannel) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type fakeRunner struct {
	mu    sync.Mutex
	reqs  []runner.Request
	resp  *runner.Response
	err   error
	calls int
}

func (f *fakeRunner) Run(_ context.Context, req runner.Request) (*runner.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &runner.Response{Text: "ok"}, nil
}

type fakeMemories struct {
	mu    sync.Mutex
	saved []string
}

func (f *fakeMemories) Save(_ context.Context, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, content)
	return "mem-1", nil
}

func newTestAssistant(t *testing.T, ch *fakeChannel, cli *fakeRunner, mem *fakeMemories, allowed []string) (*Assistant, *messages.Store) {
	t.Helper()
	db, err := storage.OpenDatabase(filepath.Join(t.TempDir(), "recall.db"))
	if err != nil {
		t.Fatalf("OpenDatabase() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	msgStore := messages.NewStore(db, nil)
	sessions, err := session.NewLogger(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewLogger() error: %v", err)
	}
	return New(ch, cli, mem, msgStore, sessions, allowed, nil), msgStore
}

// ---------- Tests ----------

func TestProcessTextMessage(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	cli := &fakeRunner{resp: &runner.Response{Text: "hello Ana"}}
	a, msgStore := newTestAssistant(t, ch, cli, &fakeMemories{}, nil)

	a.Process(&channels.IncomingMessage{
		Platform:   "whatsapp",
		From:       "15551234567",
		SenderName: "Ana",
		MessageID:  "m1",
		Type:       "text",
		Text:       "hey",
	})

	if ch.lastSent() != "hello Ana" {
		t.Errorf("sent = %q", ch.lastSent())
	}
	if len(cli.reqs) != 1 || cli.reqs[0].Message != "hey" || cli.reqs[0].UserName != "Ana" {
		t.Errorf("runner request = %+v", cli.reqs)
	}

	// Incoming and outgoing messages are both recorded.
	in, err := msgStore.Get("m1")
	if err != nil || in == nil || in.Content != "hey" {
		t.Errorf("incoming record = %+v, %v", in, err)
	}
	out, err := msgStore.Get("out-1")
	if err != nil || out == nil || out.Content != "hello Ana" || out.Direction != "outgoing" {
		t.Errorf("outgoing record = %+v, %v", out, err)
	}
}

func TestProcessDuplicateMessage(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	cli := &fakeRunner{}
	a, msgStore := newTestAssistant(t, ch, cli, &fakeMemories{}, nil)

	msg := &channels.IncomingMessage{From: "u1", MessageID: "m1", Type: "text", Text: "hey"}
	a.Process(msg)
	a.Process(msg) // already recorded in the message store

	if cli.calls != 1 {
		t.Errorf("runner ran %d times, want 1", cli.calls)
	}
	if processed, _ := msgStore.IsProcessed("m1"); !processed {
		t.Error("message should be marked processed")
	}
}

func TestProcessReplyContext(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	cli := &fakeRunner{}
	a, msgStore := newTestAssistant(t, ch, cli, &fakeMemories{}, nil)

	msgStore.Record(messages.Message{ID: "m0", Platform: "whatsapp", Sender: "recall", Content: "the earlier answer"})

	a.Process(&channels.IncomingMessage{
		From: "u1", MessageID: "m1", Type: "text", Text: "what did you mean?",
		ReplyToID: "m0",
	})

	if len(cli.reqs) != 1 || cli.reqs[0].QuotedText != "the earlier answer" {
		t.Errorf("QuotedText = %+v", cli.reqs)
	}
}

func TestProcessReaction(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	cli := &fakeRunner{}
	a, msgStore := newTestAssistant(t, ch, cli, &fakeMemories{}, nil)

	msgStore.Record(messages.Message{ID: "m0", Platform: "whatsapp", Sender: "recall", Content: "done, deployed it"})

	a.Process(&channels.IncomingMessage{
		From: "u1", MessageID: "r1", Type: "reaction",
		ReactionEmoji: "👍", ReactionToID: "m0",
	})

	if len(cli.reqs) != 1 {
		t.Fatalf("runner calls = %d", len(cli.reqs))
	}
	want := `[reacted with 👍 to: "done, deployed it"]`
	if cli.reqs[0].Message != want {
		t.Errorf("Message = %q, want %q", cli.reqs[0].Message, want)
	}
}

func TestProcessImage(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{media: []byte("pngdata"), mediaType: "image/png"}
	var seenPath string
	cli := &fakeRunner{}
	a, _ := newTestAssistant(t, ch, cli, &fakeMemories{}, nil)

	a.Process(&channels.IncomingMessage{
		From: "u1", MessageID: "m1", Type: "image",
		ImageID: "media-1", ImageCaption: "what's this plant?",
	})

	if len(cli.reqs) != 1 {
		t.Fatalf("runner calls = %d", len(cli.reqs))
	}
	req := cli.reqs[0]
	if req.Message != "what's this plant?" {
		t.Errorf("Message = %q", req.Message)
	}
	seenPath = req.ImagePath
	if !strings.HasSuffix(seenPath, ".png") {
		t.Errorf("ImagePath = %q, want .png suffix", seenPath)
	}
	// The temp file is cleaned up after processing.
	if _, err := os.Stat(seenPath); !os.IsNotExist(err) {
		t.Errorf("temp image still exists: %v", err)
	}
}

func TestProcessUnsupportedType(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	cli := &fakeRunner{}
	a, _ := newTestAssistant(t, ch, cli, &fakeMemories{}, nil)

	a.Process(&channels.IncomingMessage{From: "u1", MessageID: "m1", Type: "audio", AudioID: "a1"})

	if cli.calls != 0 {
		t.Error("runner should not run for unsupported types")
	}
	if !strings.Contains(ch.lastSent(), "i can only handle") {
		t.Errorf("notice = %q", ch.lastSent())
	}
}

func TestProcessSavesMemories(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	mem := &fakeMemories{}
	cli := &fakeRunner{resp: &runner.Response{
		Text:           "noted",
		MemoriesToSave: []string{"prefers tea", "works from home on fridays"},
	}}
	a, _ := newTestAssistant(t, ch, cli, mem, nil)

	a.Process(&channels.IncomingMessage{From: "u1", MessageID: "m1", Type: "text", Text: "remember this"})

	if len(mem.saved) != 2 || mem.saved[0] != "prefers tea" {
		t.Errorf("saved = %v", mem.saved)
	}
}

func TestProcessRunnerFailureSendsNotice(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	cli := &fakeRunner{err: fmt.Errorf("cli exploded")}
	a, _ := newTestAssistant(t, ch, cli, &fakeMemories{}, nil)

	a.Process(&channels.IncomingMessage{From: "u1", MessageID: "m1", Type: "text", Text: "hey"})

	if !strings.Contains(ch.lastSent(), "something went wrong") {
		t.Errorf("notice = %q", ch.lastSent())
	}
}

func TestProcessSilentWhenNoText(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	cli := &fakeRunner{resp: &runner.Response{Text: ""}}
	a, _ := newTestAssistant(t, ch, cli, &fakeMemories{}, nil)

	a.Process(&channels.IncomingMessage{From: "u1", MessageID: "m1", Type: "text", Text: "hey"})

	if len(ch.sent) != 0 {
		t.Errorf("sent = %v, want silence", ch.sent)
	}
}

func TestProcessCodeChangesExits(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	cli := &fakeRunner{resp: &runner.Response{Text: "patched it, restarting", CodeChanges: true}}
	a, _ := newTestAssistant(t, ch, cli, &fakeMemories{}, nil)

	exitCode := -1
	a.exit = func(code int) { exitCode = code }

	a.Process(&channels.IncomingMessage{From: "u1", MessageID: "m1", Type: "text", Text: "fix the bug"})

	// The reply goes out before the restart.
	if ch.lastSent() != "patched it, restarting" {
		t.Errorf("sent = %q", ch.lastSent())
	}
	if exitCode != 0 {
		t.Errorf("exit code = %d, want 0", exitCode)
	}
}

func TestAllowed(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	a, _ := newTestAssistant(t, ch, &fakeRunner{}, &fakeMemories{}, []string{"15551234567"})
	if !a.Allowed("15551234567") {
		t.Error("configured user should be allowed")
	}
	if a.Allowed("999") {
		t.Error("unknown user should be rejected")
	}

	open, _ := newTestAssistant(t, ch, &fakeRunner{}, &fakeMemories{}, nil)
	if !open.Allowed("anyone") {
		t.Error("empty allow list should admit everyone")
	}
}

func TestHandleScheduledJob(t *testing.T) {
	t.Parallel()

	cli := &fakeRunner{resp: &runner.Response{Text: "the weather is sunny"}}
	a, _ := newTestAssistant(t, &fakeChannel{}, cli, &fakeMemories{}, nil)

	out, err := a.HandleScheduledJob(context.Background(), &scheduler.Job{
		ID: "j1", Task: "check the weather", Channel: "whatsapp", ChatID: "u1",
	})
	if err != nil {
		t.Fatalf("HandleScheduledJob() error: %v", err)
	}
	if out != "the weather is sunny" {
		t.Errorf("output = %q", out)
	}
	if len(cli.reqs) != 1 || !strings.Contains(cli.reqs[0].Message, "check the weather") {
		t.Errorf("runner request = %+v", cli.reqs)
	}
}

func TestDeliver(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	a, msgStore := newTestAssistant(t, ch, &fakeRunner{}, &fakeMemories{}, nil)

	if err := a.Deliver("whatsapp", "u1", "reminder: standup in 5"); err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if ch.lastSent() != "reminder: standup in 5" {
		t.Errorf("sent = %q", ch.lastSent())
	}
	if out, _ := msgStore.Get("out-1"); out == nil || out.Direction != "outgoing" {
		t.Errorf("outgoing record = %+v", out)
	}

	if err := a.Deliver("telegram", "u1", "x"); err == nil {
		t.Error("Deliver() to an inactive channel should fail")
	}
}
