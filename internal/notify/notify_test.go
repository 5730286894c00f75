package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/auctionwatch/internal/metrics"
	"github.com/hitoshi/auctionwatch/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func int64Ptr(v int64) *int64 { return &v }

func testListing() model.Listing {
	return model.Listing{
		ID:             123,
		Price:          decimal.RequireFromString("50"),
		Datacenter:     model.DatacenterHelsinki,
		CPUName:        "AMD Ryzen 5 3600",
		RAMSizeGB:      64,
		RAMModuleCount: 4,
		Disks:          model.Disks{model.DiskSSD: {512, 512}, model.DiskHDD: {2000}},
		Capabilities:   model.Capabilities{ECC: true},
	}
}

// --- TelegramSender ---

func TestTelegramSender_Send_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("HTTPメソッド = %s, want POST", r.Method)
		}
		if r.URL.Path != "/bottest-token/sendMessage" {
			t.Errorf("パス = %s, want /bottest-token/sendMessage", r.URL.Path)
		}

		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("リクエストのデコードに失敗: %v", err)
		}
		if req.ChatID != -1001 || req.ParseMode != "HTML" || !req.DisableWebPagePreview {
			t.Errorf("リクエスト = %+v", req)
		}
		if req.ReplyToMessageID == nil || *req.ReplyToMessageID != 55 {
			t.Errorf("reply_to_message_id = %v, want 55", req.ReplyToMessageID)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"result":{"message_id":56}}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	s := NewTelegramSender(server.Client(), newTestLogger(&buf), "test-token", -1001)
	s.endpoint = server.URL

	id, err := s.Send(context.Background(), "hello", int64Ptr(55), time.Second)
	if err != nil {
		t.Fatalf("Send がエラーを返した: %v", err)
	}
	if id != 56 {
		t.Errorf("message_id = %d, want 56", id)
	}
}

func TestTelegramSender_Send_OmitsReplyWhenNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		json.NewDecoder(r.Body).Decode(&raw)
		if _, ok := raw["reply_to_message_id"]; ok {
			t.Error("返信先がない場合はreply_to_message_idを送らないべき")
		}
		w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	s := NewTelegramSender(server.Client(), newTestLogger(&buf), "t", 1)
	s.endpoint = server.URL

	if _, err := s.Send(context.Background(), "hello", nil, time.Second); err != nil {
		t.Fatalf("Send がエラーを返した: %v", err)
	}
}

func TestTelegramSender_Send_ErrorClassification(t *testing.T) {
	tests := []struct {
		name           string
		status         int
		body           string
		wantTransient  bool
		wantRetryAfter time.Duration
	}{
		{"429はretry_afterを返す", 429, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":7}}`, true, 7 * time.Second},
		{"5xxは一時的", 502, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`, true, 0},
		{"JSONでない5xxも一時的", 503, `<html>unavailable</html>`, true, 0},
		{"400は恒久的", 400, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`, false, 0},
		{"403は恒久的", 403, `{"ok":false,"error_code":403,"description":"Forbidden: bot was kicked"}`, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			var buf bytes.Buffer
			s := NewTelegramSender(server.Client(), newTestLogger(&buf), "t", 1)
			s.endpoint = server.URL

			_, err := s.Send(context.Background(), "hello", nil, time.Second)
			var se *SendError
			if !errors.As(err, &se) {
				t.Fatalf("SendError を返すべき, got %v", err)
			}
			if se.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", se.StatusCode, tt.status)
			}
			if IsTransient(err) != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v", IsTransient(err), tt.wantTransient)
			}
			if se.RetryAfter != tt.wantRetryAfter {
				t.Errorf("RetryAfter = %v, want %v", se.RetryAfter, tt.wantRetryAfter)
			}
		})
	}
}

func TestTelegramSender_Send_TransportErrorIsTransientAndHidesToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	var buf bytes.Buffer
	s := NewTelegramSender(http.DefaultClient, newTestLogger(&buf), "secret-token", 1)
	s.endpoint = url

	_, err := s.Send(context.Background(), "hello", nil, time.Second)
	if err == nil {
		t.Fatal("接続できない場合はエラーを返すべき")
	}
	if !IsTransient(err) {
		t.Error("通信エラーは一時的なエラーであるべき")
	}
	if strings.Contains(err.Error(), "secret-token") {
		t.Errorf("エラーメッセージにトークンを含めないべき: %v", err)
	}
}

// --- Renderer ---

func TestRenderer_NewListing(t *testing.T) {
	surcharge := decimal.RequireFromString("1.70")
	r := NewRenderer(model.Pricing{TaxRate: decimal.NewFromInt(19), IPv4Surcharge: &surcharge})
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	l := testListing()
	reduce := now.Add(2*time.Hour + 5*time.Minute)
	l.NextPriceReduce = &reduce

	text := r.Telegram(model.ChangeRecord{ListingID: 123, Change: model.NewListing{Listing: l}})

	for _, want := range []string{
		"<b>新規出品</b> #123",
		"価格: 61.20 €",
		"IPv4加算込み",
		"次回値下げ: 2時間5分後",
		"CPU: AMD Ryzen 5 3600",
		"RAM: 64 GB (4枚)",
		"ディスク: 1x 2000 GB hdd, 2x 512 GB ssd",
		"機能: ECC",
		"拠点: Helsinki",
		`<a href="https://www.hetzner.com/sb?search=123">`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("通知文に %q が含まれていない:\n%s", want, text)
		}
	}
}

func TestRenderer_EscapesHTMLInFreeText(t *testing.T) {
	r := NewRenderer(model.Pricing{})
	l := testListing()
	l.CPUName = "Intel & <script>alert(1)</script>"

	text := r.Telegram(model.ChangeRecord{ListingID: 1, Change: model.NewListing{Listing: l}})
	if strings.Contains(text, "<script>") {
		t.Errorf("CPU名のHTMLはエスケープされるべき:\n%s", text)
	}
	if !strings.Contains(text, "Intel &amp;") {
		t.Errorf("& はエスケープされるべき:\n%s", text)
	}

	hw := r.Telegram(model.ChangeRecord{ListingID: 1, Change: model.HardwareChanged{
		Attribute: model.AttributeCPUName, Old: "<b>old</b>", New: "new",
	}})
	if strings.Contains(hw, "<b>old</b>") {
		t.Errorf("変更前の値のHTMLはエスケープされるべき:\n%s", hw)
	}
}

func TestRenderer_ConsoleIsPlainText(t *testing.T) {
	r := NewRenderer(model.Pricing{})
	l := testListing()
	l.CPUName = "Intel & Co"

	text := r.Console(model.ChangeRecord{ListingID: 123, Change: model.Sold{Listing: l}})
	if strings.Contains(text, "<b>") || strings.Contains(text, "<a ") {
		t.Errorf("コンソール出力にHTMLタグを含めないべき:\n%s", text)
	}
	if !strings.Contains(text, "✅ 売却済み #123") || !strings.Contains(text, "CPU: Intel & Co") {
		t.Errorf("コンソール出力が不正:\n%s", text)
	}
	if !strings.Contains(text, "次回値下げ: 固定価格") {
		t.Errorf("固定価格の表示が不正:\n%s", text)
	}
}

func TestRenderer_PriceAndHardwareChanges(t *testing.T) {
	r := NewRenderer(model.Pricing{})

	price := r.Console(model.ChangeRecord{ListingID: 1, Change: model.PriceChanged{
		OldPrice: decimal.NewFromInt(50), NewPrice: decimal.RequireFromString("45.5"),
	}})
	if !strings.Contains(price, "本体価格: 50.00 € → 45.50 €") {
		t.Errorf("価格変更の表示が不正:\n%s", price)
	}

	hw := r.Console(model.ChangeRecord{ListingID: 1, Change: model.HardwareChanged{
		Attribute: model.AttributeRAMSizeGB, Old: "64", New: "128",
	}})
	if !strings.Contains(hw, "RAM容量(GB): 64 → 128") {
		t.Errorf("構成変更の表示が不正:\n%s", hw)
	}
}

// --- Dispatcher ---

// mockSender はテスト用のSender。レコードIDごとに返すエラー列を指定できる。
type mockSender struct {
	mu      sync.Mutex
	errs    map[string][]error
	calls   map[string]int
	replies map[string]*int64
	nextID  int64
	sent    []sentMessage
}

// sentMessage は送信の試行1回分の記録。
type sentMessage struct {
	header  string
	replyTo *int64
	id      int64
}

func newMockSender() *mockSender {
	return &mockSender{
		errs:    make(map[string][]error),
		calls:   make(map[string]int),
		replies: make(map[string]*int64),
		nextID:  1000,
	}
}

func (m *mockSender) Send(ctx context.Context, text string, replyTo *int64, timeout time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.SplitN(text, "\n", 2)[0]
	m.calls[key]++
	m.replies[key] = replyTo
	if errs := m.errs[key]; len(errs) > 0 {
		err := errs[0]
		m.errs[key] = errs[1:]
		m.sent = append(m.sent, sentMessage{header: key, replyTo: replyTo})
		return 0, err
	}
	m.nextID++
	m.sent = append(m.sent, sentMessage{header: key, replyTo: replyTo, id: m.nextID})
	return m.nextID, nil
}

type mockAck struct {
	mu    sync.Mutex
	acked map[int64]int64
	err   error
}

func (m *mockAck) MarkSent(ctx context.Context, recordID, anchor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.acked == nil {
		m.acked = make(map[int64]int64)
	}
	m.acked[recordID] = anchor
	return nil
}

func pending(id, listingID int64, replyTo *int64) model.PendingRecord {
	return model.PendingRecord{
		Record: model.ChangeRecord{
			ID:        id,
			ListingID: listingID,
			Change:    model.HardwareChanged{Attribute: model.AttributeCPUName, Old: "a", New: "b"},
		},
		ReplyTo: replyTo,
	}
}

func headerOf(listingID int64) string {
	return "🔧 <b>構成変更</b> #" + strconv.FormatInt(listingID, 10)
}

func newTestDispatcher(sender Sender, ack Acknowledger) *Dispatcher {
	var buf bytes.Buffer
	cfg := DispatchConfig{MaxAttempts: 3, Concurrency: 4, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	d := NewDispatcher(sender, ack, NewRenderer(model.Pricing{}), metrics.NopCollector{}, newTestLogger(&buf), cfg)
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return d
}

func TestDispatcher_MarksOnlySuccesses(t *testing.T) {
	sender := newMockSender()
	sender.errs[headerOf(2)] = []error{&SendError{StatusCode: 400, Err: errors.New("bad request")}}
	ack := &mockAck{}

	d := newTestDispatcher(sender, ack)
	summary := d.Dispatch(context.Background(), []model.PendingRecord{
		pending(1, 1, nil),
		pending(2, 2, nil),
		pending(3, 3, int64Ptr(77)),
	})

	if summary.Delivered != 2 || summary.Failed != 1 {
		t.Errorf("Delivered=%d Failed=%d, want 2/1", summary.Delivered, summary.Failed)
	}
	if _, ok := ack.acked[2]; ok {
		t.Error("失敗したレコードはMarkSentされないべき")
	}
	if len(ack.acked) != 2 {
		t.Errorf("MarkSent件数 = %d, want 2", len(ack.acked))
	}
	if sender.calls[headerOf(2)] != 1 {
		t.Errorf("恒久的なエラーは再試行しないべき: 呼び出し %d 回", sender.calls[headerOf(2)])
	}
	if r := sender.replies[headerOf(3)]; r == nil || *r != 77 {
		t.Errorf("返信先が渡されるべき: %v", r)
	}
	if summary.Results[2].Anchor != ack.acked[3] {
		t.Errorf("結果のAnchorとMarkSentのアンカーが一致するべき")
	}
}

func TestDispatcher_SameListingIsSentInOrderAndThreaded(t *testing.T) {
	sender := newMockSender()
	ack := &mockAck{}

	d := newTestDispatcher(sender, ack)
	summary := d.Dispatch(context.Background(), []model.PendingRecord{
		pending(1, 5, int64Ptr(77)),
		pending(2, 6, nil),
		pending(3, 5, int64Ptr(77)),
		pending(4, 5, int64Ptr(77)),
	})
	if summary.Delivered != 4 {
		t.Fatalf("Delivered = %d, want 4", summary.Delivered)
	}

	var thread []sentMessage
	for _, m := range sender.sent {
		if m.header == headerOf(5) {
			thread = append(thread, m)
		}
	}
	if len(thread) != 3 {
		t.Fatalf("出品5の送信 = %d件, want 3", len(thread))
	}
	if thread[0].replyTo == nil || *thread[0].replyTo != 77 {
		t.Errorf("最初の送信は保存済みのアンカーに返信するべき: %v", thread[0].replyTo)
	}
	for i := 1; i < len(thread); i++ {
		if thread[i].replyTo == nil || *thread[i].replyTo != thread[i-1].id {
			t.Errorf("送信%d は直前のメッセージ %d に返信するべき: %v", i, thread[i-1].id, thread[i].replyTo)
		}
	}

	// 入力順に送信され、MarkSentのアンカーも送信順になる
	if ack.acked[1] != thread[0].id || ack.acked[3] != thread[1].id || ack.acked[4] != thread[2].id {
		t.Errorf("同じ出品のレコードは入力順に送信されるべき: acked=%v", ack.acked)
	}
}

func TestDispatcher_FailedSendKeepsPreviousReplyTarget(t *testing.T) {
	sender := newMockSender()
	sender.errs[headerOf(5)] = []error{&SendError{StatusCode: 400, Err: errors.New("bad request")}}
	ack := &mockAck{}

	d := newTestDispatcher(sender, ack)
	summary := d.Dispatch(context.Background(), []model.PendingRecord{
		pending(1, 5, int64Ptr(77)),
		pending(2, 5, int64Ptr(77)),
	})

	if summary.Delivered != 1 || summary.Failed != 1 {
		t.Fatalf("Delivered=%d Failed=%d, want 1/1", summary.Delivered, summary.Failed)
	}
	if summary.Results[0].Err == nil || summary.Results[1].Err != nil {
		t.Errorf("1件目が失敗し2件目が成功するべき: %+v", summary.Results)
	}
	if r := sender.replies[headerOf(5)]; r == nil || *r != 77 {
		t.Errorf("失敗した送信の後は保存済みのアンカーに返信するべき: %v", r)
	}
}

func TestGroupByListing(t *testing.T) {
	groups := groupByListing([]model.PendingRecord{
		pending(1, 5, nil),
		pending(2, 6, nil),
		pending(3, 5, nil),
		pending(4, 7, nil),
		pending(5, 6, nil),
	})

	want := [][]int{{0, 2}, {1, 4}, {3}}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("groupByListing = %v, want %v", groups, want)
	}
}

func TestDispatcher_RetriesTransientErrors(t *testing.T) {
	sender := newMockSender()
	sender.errs[headerOf(1)] = []error{
		&SendError{StatusCode: 429, Transient: true, RetryAfter: time.Second},
		&SendError{StatusCode: 502, Transient: true},
	}
	ack := &mockAck{}

	d := newTestDispatcher(sender, ack)
	summary := d.Dispatch(context.Background(), []model.PendingRecord{pending(1, 1, nil)})

	if summary.Delivered != 1 {
		t.Fatalf("再試行で成功するべき: %+v", summary.Results[0])
	}
	if summary.Results[0].Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", summary.Results[0].Attempts)
	}
	if _, ok := ack.acked[1]; !ok {
		t.Error("成功したレコードはMarkSentされるべき")
	}
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	sender := newMockSender()
	transient := &SendError{StatusCode: 503, Transient: true}
	sender.errs[headerOf(1)] = []error{transient, transient, transient, transient}
	ack := &mockAck{}

	d := newTestDispatcher(sender, ack)
	summary := d.Dispatch(context.Background(), []model.PendingRecord{pending(1, 1, nil)})

	if summary.Failed != 1 {
		t.Errorf("Failed = %d, want 1", summary.Failed)
	}
	if sender.calls[headerOf(1)] != 3 {
		t.Errorf("呼び出し回数 = %d, want 3", sender.calls[headerOf(1)])
	}
	if len(ack.acked) != 0 {
		t.Error("失敗したレコードはMarkSentされないべき")
	}
}

func TestDispatcher_AckFailureCountsAsFailure(t *testing.T) {
	sender := newMockSender()
	ack := &mockAck{err: errors.New("db down")}

	d := newTestDispatcher(sender, ack)
	summary := d.Dispatch(context.Background(), []model.PendingRecord{pending(1, 1, nil)})

	if summary.Failed != 1 || summary.Results[0].Err == nil {
		t.Errorf("MarkSentの失敗は配信失敗として扱うべき: %+v", summary)
	}
}

func TestDispatcher_RateLimited(t *testing.T) {
	sender := newMockSender()
	ack := &mockAck{}

	var buf bytes.Buffer
	cfg := DispatchConfig{PerSecond: 20, MaxAttempts: 1, Concurrency: 8}
	d := NewDispatcher(sender, ack, NewRenderer(model.Pricing{}), metrics.NopCollector{}, newTestLogger(&buf), cfg)

	var records []model.PendingRecord
	for i := int64(1); i <= 30; i++ {
		records = append(records, pending(i, i, nil))
	}

	start := time.Now()
	summary := d.Dispatch(context.Background(), records)
	elapsed := time.Since(start)

	if summary.Delivered != 30 {
		t.Fatalf("Delivered = %d, want 30", summary.Delivered)
	}
	// バースト20件の後、残り10件は1秒あたり20件に制限される
	if elapsed < 400*time.Millisecond {
		t.Errorf("レート制限が効いていない: %v", elapsed)
	}
}

func TestDispatcher_CancelledContext(t *testing.T) {
	sender := newMockSender()
	sender.errs[headerOf(1)] = []error{&SendError{StatusCode: 503, Transient: true}}
	ack := &mockAck{}

	d := newTestDispatcher(sender, ack)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := d.Dispatch(ctx, []model.PendingRecord{pending(1, 1, nil)})
	if summary.Failed != 1 {
		t.Errorf("キャンセル済みのコンテキストでは失敗するべき: %+v", summary)
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := calculateBackoff(tt.retries, time.Second, 30*time.Second); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
}

// --- Alerter ---

func TestAlerter_RetriesAndSwallowsFailure(t *testing.T) {
	sender := newMockSender()
	key := "🚨 <b>run failed</b>"
	fail := &SendError{StatusCode: 503, Transient: true}
	sender.errs[key] = []error{fail, fail, fail, fail}

	var buf bytes.Buffer
	a := NewAlerter(sender, newTestLogger(&buf), time.Second)
	a.backoff = 0

	a.Alert(context.Background(), "run failed", "boom")

	if sender.calls[key] != alertAttempts {
		t.Errorf("送信試行回数 = %d, want %d", sender.calls[key], alertAttempts)
	}
	if !strings.Contains(buf.String(), "運用者アラート") {
		t.Error("アラートはログにも記録されるべき")
	}
}

func TestAlerter_NilSenderOnlyLogs(t *testing.T) {
	var buf bytes.Buffer
	a := NewAlerter(nil, newTestLogger(&buf), time.Second)
	a.Alert(context.Background(), "panic", "<nil pointer>")

	if !strings.Contains(buf.String(), "panic") {
		t.Error("送信先がなくてもログに記録されるべき")
	}

	var nilAlerter *Alerter
	nilAlerter.Alert(context.Background(), "panic", "x")
}
