package callback

import (
	"errors"
	"testing"
	"time"
)

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"sessionId":"d1","callbackType":"ANALYSIS_COMPLETE","timestamp":1718000000000,"data":{"overallDaySummary":"a calm day","questions":[{"id":"q1","question":"Where was lunch?"}]}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.SessionID != "d1" || ev.Kind != KindAnalysisComplete {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.EmittedAt.Equal(time.UnixMilli(1718000000000)) {
		t.Fatalf("unexpected emittedAt %v", ev.EmittedAt)
	}
	p, ok := ev.Payload.(AnalysisCompletePayload)
	if !ok {
		t.Fatalf("expected AnalysisCompletePayload, got %T", ev.Payload)
	}
	if p.OverallDaySummary != "a calm day" || len(p.Questions) != 1 || p.Questions[0].ID != "q1" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestDecodeLegacyDiaryID(t *testing.T) {
	ev, err := Decode([]byte(`{"diaryId":"legacy","callbackType":"ERROR","timestamp":5,"data":{"errorMessage":"boom","serviceType":"VISION"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.SessionID != "legacy" {
		t.Fatalf("expected diaryId to be used as session id, got %q", ev.SessionID)
	}
	if p := ev.Payload.(ErrorPayload); p.ServiceType != "VISION" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `{`,
		"missing session":   `{"callbackType":"ERROR","timestamp":1}`,
		"missing timestamp": `{"sessionId":"d1","callbackType":"ERROR"}`,
		"unknown type":      `{"sessionId":"d1","callbackType":"SESSION_PREPARE","timestamp":1}`,
		"wrong data shape":  `{"sessionId":"d1","callbackType":"QUESTION","timestamp":1,"data":{"questions":"nope"}}`,
		"data not object":   `{"sessionId":"d1","callbackType":"DIGEST_COMPLETE","timestamp":1,"data":[1,2]}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode([]byte(in)); !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDecodeMissingDataUsesDefaults(t *testing.T) {
	ev, err := Decode([]byte(`{"sessionId":"d1","callbackType":"ERROR","timestamp":1,"data":null}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := ev.Payload.Message(); got.Type != MessageError || got.Content != "AI service error" {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestPayloadMessages(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    Message
	}{
		{"question list", QuestionPayload{Questions: []QuestionItem{{Question: "one?"}, {Question: "two?"}}}, Message{Type: MessageQuestion, Content: "one?\ntwo?"}},
		{"question content", QuestionPayload{Status: "SUCCESS", Content: "text"}, Message{Type: MessageQuestion, Content: "text"}},
		{"question failed", QuestionPayload{Status: StatusError, Content: "text"}, Message{Type: MessageError, Content: "question generation failed"}},
		{"analysis ok", AnalysisCompletePayload{OverallDaySummary: "sum"}, Message{Type: MessageAnalysisComplete, Content: "sum"}},
		{"analysis failed", AnalysisCompletePayload{Status: "FAILED"}, Message{Type: MessageError, Content: "analysis failed"}},
		{"digest ok", DigestCompletePayload{Status: "success", DigestContent: "<p>d</p>"}, Message{Type: MessageDigestComplete, Content: "<p>d</p>"}},
		{"digest failed", DigestCompletePayload{Status: StatusError}, Message{Type: MessageError, Content: "digest generation failed"}},
		{"error", ErrorPayload{ErrorMessage: "vision down"}, Message{Type: MessageError, Content: "vision down"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.payload.Message(); got != tt.want {
				t.Fatalf("got %+v want %+v", got, tt.want)
			}
		})
	}
}

func TestKindTerminal(t *testing.T) {
	want := map[Kind]bool{
		KindQuestion:         false,
		KindAnalysisComplete: true,
		KindDigestComplete:   true,
		KindError:            true,
	}
	for _, k := range Kinds {
		if k.Terminal() != want[k] {
			t.Fatalf("%s: terminal=%v", k, k.Terminal())
		}
		if p, err := decodePayload(k, nil); err != nil || p.Kind() != k {
			t.Fatalf("%s: payload kind mismatch (%v)", k, err)
		}
	}
	if Kind("QUESTION_READY").Valid() {
		t.Fatal("unexpected valid kind")
	}
}

func TestEncodePreservesRawData(t *testing.T) {
	at := time.UnixMilli(1718000000123)
	ev, err := NewEvent("d9", KindDigestComplete, map[string]any{"digestContent": "x", "extra": 1}, at)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	b, err := Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(back.Raw) != `{"digestContent":"x","extra":1}` {
		t.Fatalf("raw data not preserved: %s", back.Raw)
	}
	if Fingerprint(back) != Fingerprint(ev) {
		t.Fatalf("fingerprint changed: %s vs %s", Fingerprint(back), Fingerprint(ev))
	}
}

func TestNewEventRejectsBadData(t *testing.T) {
	if _, err := NewEvent("d1", KindQuestion, map[string]any{"questions": 3}, time.Now()); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, err := NewEvent("d1", Kind("NOPE"), nil, time.Now()); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestFingerprintSeparatesSameMillisecondEvents(t *testing.T) {
	at := time.UnixMilli(1718000000000)
	first, err := NewEvent("d1", KindQuestion, QuestionPayload{Content: "first?"}, at)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	second, err := NewEvent("d1", KindQuestion, QuestionPayload{Content: "second?"}, at)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if Fingerprint(first) == Fingerprint(second) {
		t.Fatal("distinct events stamped in the same millisecond share a fingerprint")
	}

	spaced, err := Decode([]byte(`{"sessionId":"d1","callbackType":"QUESTION","timestamp":1718000000000,"data":{ "content" : "first?" }}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if Fingerprint(spaced) != Fingerprint(first) {
		t.Fatalf("formatting changed the fingerprint: %s vs %s", Fingerprint(spaced), Fingerprint(first))
	}
}
